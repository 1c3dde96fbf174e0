package storage

import (
	"fmt"
	"path"
	"strings"
)

const gsScheme = "gs://"

// ObjectRef identifies one Cloud Storage object.
type ObjectRef struct {
	Bucket string
	Name   string
}

// String renders the ref as a gs:// URI.
func (r ObjectRef) String() string {
	return gsScheme + r.Bucket + "/" + r.Name
}

// ParseObjectRef accepts "gs://bucket/object" or a bare object name, which is resolved
// against defaultBucket.
func ParseObjectRef(raw, defaultBucket string) (ObjectRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ObjectRef{}, fmt.Errorf("storage: empty object reference")
	}
	ref := ObjectRef{Bucket: strings.TrimSpace(defaultBucket)}
	if strings.HasPrefix(raw, gsScheme) {
		bucket, name, ok := strings.Cut(strings.TrimPrefix(raw, gsScheme), "/")
		if !ok {
			return ObjectRef{}, fmt.Errorf("storage: %q has no object name", raw)
		}
		ref.Bucket, ref.Name = bucket, name
	} else {
		ref.Name = strings.TrimPrefix(raw, "/")
	}
	if ref.Bucket == "" {
		return ObjectRef{}, fmt.Errorf("storage: no bucket for %q", raw)
	}
	if ref.Name == "" || strings.Contains(ref.Name, "..") {
		return ObjectRef{}, fmt.Errorf("storage: invalid object name in %q", raw)
	}
	return ref, nil
}

// SnapshotImagePath is the archive location of the index-th listing image of an order.
// The index prefix keeps two source images with the same base name apart.
func SnapshotImagePath(orderID string, index int, source ObjectRef) (string, error) {
	orderID, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	name := path.Base(source.Name)
	if name == "." || name == "/" {
		return "", fmt.Errorf("storage: source %s has no file name", source)
	}
	return fmt.Sprintf("orders/%s/snapshot/%02d-%s", orderID, index, name), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") || strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	return value, nil
}
