// Package trigger turns signed bus messages into pushes.
package trigger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nkeys"

	"github.com/cordum/masher/core/infra/schema"
)

var (
	ErrInvalidSignature = errors.New("invalid trigger signature")
	ErrMalformed        = errors.New("malformed trigger message")
)

// Envelope is the signed wrapper published on the trigger subject. The
// signature covers the exact Body bytes.
type Envelope struct {
	Topic     string          `json:"topic"`
	Body      json.RawMessage `json:"body"`
	Signer    string          `json:"signer,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Body carries the push request.
type Body struct {
	Msg Message `json:"msg"`
}

// Message lists update titles separated by whitespace. Resume reruns the
// retained state of Repos, or of every tag when Repos is empty.
type Message struct {
	Updates string   `json:"updates"`
	Resume  bool     `json:"resume,omitempty"`
	Repos   []string `json:"repos,omitempty"`
}

// Titles splits Updates into individual titles.
func (m Message) Titles() []string {
	return strings.Fields(m.Updates)
}

var bodySchema = schema.MustCompile("trigger body", []byte(`{
  "type": "object",
  "required": ["msg"],
  "properties": {
    "msg": {
      "type": "object",
      "properties": {
        "updates": {"type": "string"},
        "resume": {"type": "boolean"},
        "repos": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    }
  }
}`))

// Parse decodes an envelope and its body.
func Parse(data []byte) (*Envelope, *Body, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(env.Body) == 0 {
		return nil, nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	if err := bodySchema.ValidateJSON(env.Body); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var body Body
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, nil, fmt.Errorf("%w: body: %w", ErrMalformed, err)
	}
	return &env, &body, nil
}

// Sign builds an envelope for body signed by kp.
func Sign(kp nkeys.KeyPair, topic string, body Body) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	signer, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("signer key: %w", err)
	}
	sig, err := kp.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign body: %w", err)
	}
	return &Envelope{
		Topic:     topic,
		Body:      raw,
		Signer:    signer,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verifier accepts envelopes signed by one trusted nkey. An empty signer
// disables validation.
type Verifier struct {
	Signer string
}

func (v *Verifier) Enabled() bool {
	return v != nil && strings.TrimSpace(v.Signer) != ""
}

func (v *Verifier) Verify(env *Envelope) error {
	if !v.Enabled() {
		return nil
	}
	if env.Signer != v.Signer {
		return fmt.Errorf("%w: untrusted signer %q", ErrInvalidSignature, env.Signer)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: signature not decodable", ErrInvalidSignature)
	}
	kp, err := nkeys.FromPublicKey(v.Signer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if err := kp.Verify(env.Body, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}
