package verify

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/registry"
)

// Sender delivers verification codes to a contact. Delivery is
// fire-and-forget; a lost message is recovered by requesting a new code
// after the cooldown.
type Sender interface {
	Send(contact string, code string) error
}

// Verifier issues and checks short-lived verification codes. It is
// stateless beyond what it writes on the Client record, so it never caches
// a code across a registry update.
type Verifier struct {
	codeLength int
	ttl        time.Duration
	cooldown   time.Duration
	sender     Sender
	logger     *logrus.Entry
}

// NewVerifier ...
func NewVerifier(codeLength int, ttl, cooldown time.Duration, sender Sender, logger *logrus.Entry) *Verifier {
	return &Verifier{
		codeLength: codeLength,
		ttl:        ttl,
		cooldown:   cooldown,
		sender:     sender,
		logger:     logger,
	}
}

// RequestCode writes a fresh code on the client and hands it to the sender.
// A request inside the cooldown window of the previous one fails with
// TooSoon. The caller persists the mutated client; the code is only live
// once that update succeeds.
func (v *Verifier) RequestCode(c *registry.Client) error {
	now := time.Now().UTC()

	if !c.CodeIssued.IsZero() && now.Sub(c.CodeIssued) < v.cooldown {
		return cm.NewCoreErr("Code", cm.TooSoon, c.Contact)
	}

	code, err := randomCode(v.codeLength)
	if err != nil {
		return err
	}

	// a new code invalidates the previous one
	c.Code = code
	c.CodeIssued = now
	c.CodeExpiry = now.Add(v.ttl)

	if err := v.sender.Send(c.Contact, code); err != nil {
		// delivery is best-effort; the code stays valid in case the
		// transport got the message out before failing
		v.logger.WithField("contact", c.Contact).WithError(err).Error("Sending verification code")
	}

	return nil
}

// CheckCode validates a submitted code against the client record. Success
// clears the code, so a replay of the same code fails with NotFound. The
// caller persists the mutated client.
func (v *Verifier) CheckCode(c *registry.Client, code string) error {
	if c.Code == "" {
		return cm.NewCoreErr("Code", cm.NotFound, c.Contact)
	}
	if time.Now().UTC().After(c.CodeExpiry) {
		return cm.NewCoreErr("Code", cm.Expired, c.Contact)
	}
	if c.Code != code {
		return cm.NewCoreErr("Code", cm.Mismatch, c.Contact)
	}

	// single use
	c.Code = ""
	c.CodeExpiry = time.Time{}

	return nil
}

// randomCode draws n decimal digits from crypto/rand.
func randomCode(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}
