// Package envelope implements the self-describing CBOR wire format
// exchanged between client, gateway, and backend. The gateway decodes only
// as much as it needs to route messages — client_key, canister_id,
// sequence_num — and never inspects or mutates signatures.
package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ClientKey is a client's long-term Ed25519 public key, 32 bytes.
type ClientKey [32]byte

// String renders the key as hex for logging.
func (k ClientKey) String() string {
	return fmt.Sprintf("%x", k[:])
}

// RegistrationEnvelope is the first frame of every session: self-signed by
// the client, carrying the client's key and the backend it wants to talk
// to. The gateway does not verify Sig; the backend does, on ws_open.
type RegistrationEnvelope struct {
	Content []byte `cbor:"content"`
	Sig     []byte `cbor:"sig"`
}

// RegistrationContent is the decoded body of a RegistrationEnvelope.
type RegistrationContent struct {
	ClientKey  ClientKey `cbor:"client_key"`
	CanisterID string    `cbor:"canister_id"`
}

// RelayedEnvelope is every frame after the first: a tagged union with
// exactly one variant the gateway recognizes. Unknown variants are a
// protocol error (§9 design notes: closed sum type, not a dynamic tag).
type RelayedEnvelope struct {
	RelayedFromClient *SignedContent `cbor:"RelayedFromClient"`
}

// SignedContent is `{content, sig}` where content decodes to RelayedContent.
type SignedContent struct {
	Content []byte `cbor:"content"`
	Sig     []byte `cbor:"sig"`
}

// RelayedContent is the decoded body of a client->backend relayed message.
type RelayedContent struct {
	ClientKey    ClientKey `cbor:"client_key"`
	SequenceNum  uint64    `cbor:"sequence_num"`
	TimestampNs  uint64    `cbor:"timestamp_ns"`
	Message      []byte    `cbor:"message"`
}

// OutboundMessage is one entry of a ws_get_messages batch: the gateway
// treats key/cert/tree as opaque and only decodes Val to recover routing
// and sequencing information. Raw holds the exact original encoding of this
// single message as it appeared in the batch array — that is what gets
// forwarded to the client untouched (P4, envelope integrity); Key/Val/Cert
// and Tree are a decode of the same bytes, kept only so the poller and
// session can route and log without re-parsing Raw.
type OutboundMessage struct {
	Key  string `cbor:"key"`
	Val  []byte `cbor:"val"`
	Cert []byte `cbor:"cert"`
	Tree []byte `cbor:"tree"`

	Raw []byte `cbor:"-"`
}

// OutboundContent is the decoded body of OutboundMessage.Val.
type OutboundContent struct {
	ClientKey   *ClientKey `cbor:"client_key,omitempty"`
	SequenceNum uint64     `cbor:"sequence_num"`
	TimestampNs uint64     `cbor:"timestamp_ns"`
	Message     []byte     `cbor:"message"`
}

// MessagesBatch is the decoded response of a ws_get_messages query. Messages
// is kept as raw per-entry CBOR so each message's original bytes survive
// unmodified from backend to client; DecodeMessagesBatch also returns the
// parsed OutboundMessage view used for routing.
type MessagesBatch struct {
	Messages []cbor.RawMessage `cbor:"messages"`
	Cert     []byte            `cbor:"cert"`
	Tree     []byte            `cbor:"tree"`
}

// DecodeRegistrationEnvelope parses the first binary frame of a session.
// The returned bytes are never re-encoded — the gateway forwards
// Content/Sig byte-for-byte to the backend (P4, envelope integrity).
func DecodeRegistrationEnvelope(frame []byte) (*RegistrationEnvelope, *RegistrationContent, error) {
	var env RegistrationEnvelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding registration envelope: %w", err)
	}

	var content RegistrationContent
	if err := cbor.Unmarshal(env.Content, &content); err != nil {
		return nil, nil, fmt.Errorf("decoding registration content: %w", err)
	}

	return &env, &content, nil
}

// DecodeRelayedEnvelope parses a subsequent binary frame. Returns an error
// if the frame is not the one recognized tagged variant.
func DecodeRelayedEnvelope(frame []byte) (*RelayedEnvelope, *RelayedContent, error) {
	var env RelayedEnvelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding relayed envelope: %w", err)
	}
	if env.RelayedFromClient == nil {
		return nil, nil, fmt.Errorf("relayed envelope missing RelayedFromClient variant")
	}

	var content RelayedContent
	if err := cbor.Unmarshal(env.RelayedFromClient.Content, &content); err != nil {
		return nil, nil, fmt.Errorf("decoding relayed content: %w", err)
	}

	return &env, &content, nil
}

// DecodeMessagesBatch parses the response of a ws_get_messages query and
// returns the individual messages in arrival order, each carrying its
// original undecoded bytes in Raw.
func DecodeMessagesBatch(body []byte) ([]OutboundMessage, error) {
	var batch MessagesBatch
	if err := cbor.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decoding messages batch: %w", err)
	}

	out := make([]OutboundMessage, 0, len(batch.Messages))
	for i, raw := range batch.Messages {
		var msg OutboundMessage
		if err := cbor.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decoding batch message %d: %w", i, err)
		}
		msg.Raw = append([]byte(nil), raw...)
		out = append(out, msg)
	}
	return out, nil
}

// DecodeOutboundContent parses OutboundMessage.Val.
func DecodeOutboundContent(val []byte) (*OutboundContent, error) {
	var content OutboundContent
	if err := cbor.Unmarshal(val, &content); err != nil {
		return nil, fmt.Errorf("decoding outbound content: %w", err)
	}
	return &content, nil
}

// nonceQuery is the body of a ws_get_messages query.
type nonceQuery struct {
	Nonce uint64 `cbor:"nonce"`
}

// EncodeNonceQuery builds the body of a ws_get_messages(nonce) query.
func EncodeNonceQuery(nonce uint64) ([]byte, error) {
	body, err := cbor.Marshal(nonceQuery{Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("encoding nonce query: %w", err)
	}
	return body, nil
}

// callResult is the minimal shape the gateway inspects in a backend call
// response: a hard failure marker, nothing else. Everything else in the
// response is the backend's business, not the gateway's.
type callResult struct {
	Err *string `cbor:"Err,omitempty"`
}

// HasErrMarker reports whether a backend call response carries an Err
// variant, and its value if so. A response the gateway cannot parse this
// way is treated as success — the gateway only ever surfaces a hard
// failure it can positively identify, never infers one from silence.
func HasErrMarker(resp []byte) (string, bool) {
	var result callResult
	if err := cbor.Unmarshal(resp, &result); err != nil {
		return "", false
	}
	if result.Err == nil {
		return "", false
	}
	return *result.Err, true
}

