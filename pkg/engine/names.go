package engine

// ValidateBucketName checks a bucket name against the most restrictive common
// subset of the S3, Azure container, and GCS naming rules:
//   - 3 to 63 characters
//   - lowercase letters, digits, and hyphens only
//   - must start and end with a letter or digit
//   - no consecutive hyphens (Azure restriction)
//
// Dots are excluded even though S3 and GCS allow them, because Azure container
// names do not.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return ErrInvalidName
	}
	prevHyphen := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevHyphen = false
		case c == '-':
			if prevHyphen {
				return ErrInvalidName
			}
			prevHyphen = true
		default:
			return ErrInvalidName
		}
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return ErrInvalidName
	}
	return nil
}

// ValidateObjectKey rejects keys that cannot be mapped onto the blob store
// path layout: empty keys, keys with empty path segments, and keys containing
// "." or ".." segments.
func ValidateObjectKey(key string) error {
	if key == "" {
		return ErrInvalidName
	}
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			seg := key[start:i]
			if seg == "" || seg == "." || seg == ".." {
				return ErrInvalidName
			}
			start = i + 1
		}
	}
	return nil
}
