package normalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// Recognized PII detector names.
const (
	DetectorEmail = "email"
	DetectorPhone = "phone"
	DetectorIBAN  = "iban"
)

// hashedPrefixLen is how many hex characters of the digest survive in the
// masked display form.
const hashedPrefixLen = 10

// patternMatchTimeout bounds regex matching time per input. Untrusted log
// text must not be able to stall the pipeline via pathological input.
const patternMatchTimeout = 100 * time.Millisecond

// anonymizedValueRe recognizes a full-length hex digest produced by the
// anonymization path.
var anonymizedValueRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Detector is a named PII pattern. Detectors are pluggable: adding a new
// category means registering a new pattern, not touching the masking
// algorithm.
type Detector struct {
	Name    string
	pattern *regexp2.Regexp
}

// NewDetector compiles a detector with a bounded match timeout.
func NewDetector(name, pattern string) (Detector, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return Detector{}, fmt.Errorf("failed to compile %s pattern: %w", name, err)
	}
	re.MatchTimeout = patternMatchTimeout
	return Detector{Name: name, pattern: re}, nil
}

// DefaultDetectors returns the built-in email, phone, and IBAN detectors.
func DefaultDetectors() []Detector {
	patterns := []struct{ name, pattern string }{
		{DetectorEmail, `[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`},
		{DetectorPhone, `\b(\+?\d{2,3}[-.\s]??\d{6,12})\b`},
		{DetectorIBAN, `\b[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}\b`},
	}

	detectors := make([]Detector, 0, len(patterns))
	for _, p := range patterns {
		d, err := NewDetector(p.name, p.pattern)
		if err != nil {
			// Built-in patterns are constants; a compile failure is a bug.
			panic(err)
		}
		detectors = append(detectors, d)
	}
	return detectors
}

// Masker replaces PII matches with deterministic keyed digests. The same
// input under the same salt always masks to the same output, so masked
// values stay correlatable across logs without exposing the raw PII.
type Masker struct {
	key       []byte
	detectors []Detector
	logger    *zap.SugaredLogger
}

// NewMasker derives the HMAC key from the salt and registers the given
// detectors. With no detectors the default set is used.
func NewMasker(salt string, logger *zap.SugaredLogger, detectors ...Detector) (*Masker, error) {
	if salt == "" {
		return nil, fmt.Errorf("masking salt cannot be empty")
	}
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(salt), nil, []byte("themis-pii-masking"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive masking key: %w", err)
	}

	return &Masker{key: key, detectors: detectors, logger: logger}, nil
}

// digest computes the keyed one-way digest of a value as lowercase hex.
func (m *Masker) digest(value string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// maskedForm renders the display form of a masked value.
func (m *Masker) maskedForm(value string) string {
	return fmt.Sprintf("<HASHED:%s...>", m.digest(value)[:hashedPrefixLen])
}

// MaskText replaces every PII match in the text with its masked form.
func (m *Masker) MaskText(text string) string {
	for _, d := range m.detectors {
		replaced, err := d.pattern.ReplaceFunc(text, func(match regexp2.Match) string {
			return m.maskedForm(match.String())
		}, -1, -1)
		if err != nil {
			// Pattern timeout. Keep the text as-is rather than lose the
			// event; the message is already length-bounded.
			m.logger.Warnw("PII pattern matching timed out",
				"detector", d.Name,
				"error", err)
			continue
		}
		text = replaced
	}
	return text
}

// MaskFields walks a field map and masks every string value, recursing
// through nested maps. The input map is not modified.
func (m *Masker) MaskFields(fields map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		switch v := value.(type) {
		case string:
			masked[key] = m.MaskText(v)
		case map[string]interface{}:
			masked[key] = m.MaskFields(v)
		default:
			masked[key] = value
		}
	}
	return masked
}

// Anonymize returns the full-length one-way digest of a value. Used by
// the retention path where the whole field is replaced, not just the
// embedded PII matches.
func (m *Masker) Anonymize(value string) string {
	if value == "" {
		return ""
	}
	return m.digest(value)
}

// IsAnonymized reports whether a value is already an anonymization
// output. Recognizing prior outputs keeps the retention sweep idempotent.
func IsAnonymized(value string) bool {
	if value == "" {
		return true
	}
	if strings.HasPrefix(value, "<HASHED:") {
		return true
	}
	return anonymizedValueRe.MatchString(value)
}

// MaskEmailPartial masks the local part of an email for display,
// keeping the first and last character. Not a one-way transform; use the
// Masker for anything persisted.
func MaskEmailPartial(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + "@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + "@" + domain
}

// MaskPhonePartial masks all but the last four digits of a phone number.
func MaskPhonePartial(phone string) string {
	if len(phone) < 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
