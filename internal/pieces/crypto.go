package pieces

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/flowengine/pkg/schema"
)

// CryptoPiece groups hashing and ID helpers.
const CryptoPiece = "crypto"

func cryptoActions() []Action {
	return []Action{&hashAction{}, &hmacAction{}, &uuidAction{}}
}

const digestInputSchema = `{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256", "sha384", "sha512", "sha1", "md5"]},
    "encoding": {"type": "string", "enum": ["hex", "base64"]}%s
  },
  "required": ["data"%s]
}`

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

func encodeDigest(sum []byte, encoding string) (string, error) {
	switch encoding {
	case "", "hex":
		return hex.EncodeToString(sum), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(sum), nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported digest encoding: %s", encoding)
}

// --- hash ---

type hashAction struct{}

func (a *hashAction) Name() string { return "hash" }

func (a *hashAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Compute a digest of a string.",
		InputSchema: json.RawMessage(fmt.Sprintf(digestInputSchema, "", "")),
	}
}

func (a *hashAction) Run(_ context.Context, rc *RunContext) (any, error) {
	algorithm := stringParam(rc.Props, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(stringParam(rc.Props, "data", "")))
	sum, err := encodeDigest(h.Sum(nil), stringParam(rc.Props, "encoding", "hex"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"hash": sum, "algorithm": algorithm}, nil
}

// --- hmac ---

type hmacAction struct{}

func (a *hmacAction) Name() string { return "hmac" }

func (a *hmacAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Sign a string with an HMAC, e.g. to verify webhook signatures.",
		InputSchema: json.RawMessage(fmt.Sprintf(digestInputSchema, `,
    "key": {"type": "string", "minLength": 1}`, `, "key"`)),
		SecretProps: []string{"key"},
	}
}

func (a *hmacAction) Run(_ context.Context, rc *RunContext) (any, error) {
	algorithm := stringParam(rc.Props, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(stringParam(rc.Props, "key", "")))
	mac.Write([]byte(stringParam(rc.Props, "data", "")))
	sum, err := encodeDigest(mac.Sum(nil), stringParam(rc.Props, "encoding", "hex"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"hmac": sum, "algorithm": algorithm}, nil
}

// --- uuid ---

type uuidAction struct{}

func (a *uuidAction) Name() string { return "uuid" }

func (a *uuidAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Generate a random (v4) UUID.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (a *uuidAction) Run(_ context.Context, _ *RunContext) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}
