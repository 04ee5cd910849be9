package utils

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

func UnmarshalJsonFromFile[T any](path string) (*T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return UnmarshalJsonFromReader[T](f)
}

func UnmarshalJsonFromReader[T any](r io.Reader) (*T, error) {
	jsonBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var res T
	err = json.Unmarshal(jsonBytes, &res)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

func GetSizeAndDigest(b []byte) (int64, digest.Digest, error) {
	h := sha256.New()
	size, err := h.Write(b)
	if err != nil {
		return 0, "", err
	}
	d := digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil))
	return int64(size), d, nil
}

func GetRandomId(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// ParseLabels converts "key=value" pairs into "key:value" columns.
// Malformed labels are kept as-is.
func ParseLabels(labels []string) []string {
	res := make([]string, 0, len(labels))
	for _, l := range labels {
		kv := strings.SplitN(l, "=", 2)
		if len(kv) != 2 {
			res = append(res, l)
			continue
		}
		res = append(res, fmt.Sprintf("%s:%s", kv[0], kv[1]))
	}
	return res
}
