package engine

import "testing"

func TestValidateBucketName(t *testing.T) {
	valid := []string{"abc", "my-bucket", "b2b", "a1b-2c3", "x2345678901234567890123456789012345678901234567890123456789012"}
	for _, n := range valid {
		if err := ValidateBucketName(n); err != nil {
			t.Errorf("ValidateBucketName(%q) = %v, want nil", n, err)
		}
	}
	invalid := []string{
		"",
		"ab",                       // too short
		"UPPER",                    // uppercase
		"has_underscore",           // underscore
		"dots.not.allowed",         // dots excluded for the common subset
		"-leading",                 // leading hyphen
		"trailing-",                // trailing hyphen
		"double--hyphen",           // consecutive hyphens
		"x234567890123456789012345678901234567890123456789012345678901234", // 64 chars
	}
	for _, n := range invalid {
		if err := ValidateBucketName(n); err == nil {
			t.Errorf("ValidateBucketName(%q) = nil, want error", n)
		}
	}
}

func TestValidateObjectKey(t *testing.T) {
	valid := []string{"k", "a/b/c", "with space", "dot.in.name", "trailing.dot."}
	for _, k := range valid {
		if err := ValidateObjectKey(k); err != nil {
			t.Errorf("ValidateObjectKey(%q) = %v, want nil", k, err)
		}
	}
	invalid := []string{"", "/lead", "trail/", "a//b", "a/../b", "a/./b", "..", "."}
	for _, k := range invalid {
		if err := ValidateObjectKey(k); err == nil {
			t.Errorf("ValidateObjectKey(%q) = nil, want error", k)
		}
	}
}
