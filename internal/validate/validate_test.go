package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStringField(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		opts    StringFieldOpts
		wantErr bool
	}{
		{"empty rejected when CheckEmpty set", "", StringFieldOpts{MaxLen: 10, CheckEmpty: true}, true},
		{"empty allowed when CheckEmpty unset", "", StringFieldOpts{MaxLen: 10}, false},
		{"within max length", "hello", StringFieldOpts{MaxLen: 10, CheckEmpty: true}, false},
		{"exceeds max length", "hello world", StringFieldOpts{MaxLen: 5, CheckEmpty: true}, true},
		{"embedded null byte", "ab\x00cd", StringFieldOpts{MaxLen: 10}, true},
		{"control character rejected", "ab\x01cd", StringFieldOpts{MaxLen: 10}, true},
		{"tab is allowed", "ab\tcd", StringFieldOpts{MaxLen: 10}, false},
		{"newline is allowed", "ab\ncd", StringFieldOpts{MaxLen: 10}, false},
		{"bidi override rejected", "ab\u202Ecd", StringFieldOpts{MaxLen: 10}, true},
		{"zero-width space rejected", "ab\u200Bcd", StringFieldOpts{MaxLen: 10}, true},
		{"BOM rejected", "ab\uFEFFcd", StringFieldOpts{MaxLen: 10}, true},
		{"alphanumeric only accepts dash/underscore", "worker-id_1", StringFieldOpts{MaxLen: 20, AlphanumericOnly: true}, false},
		{"alphanumeric only rejects space", "worker id", StringFieldOpts{MaxLen: 20, AlphanumericOnly: true}, true},
		{"alphanumeric only rejects colon", "worker:1", StringFieldOpts{MaxLen: 20, AlphanumericOnly: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStringField(tt.value, "field", tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckDangerousPatterns(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"plain command is fine", "echo hello", false},
		{"counting range is fine", "echo 1..10", false},
		{"semicolon rejected", "echo hi; rm -rf /", true},
		{"pipe rejected", "echo hi | cat", true},
		{"ampersand rejected", "echo hi & sleep 1", true},
		{"dollar rejected", "echo $HOME", true},
		{"backtick rejected", "echo `whoami`", true},
		{"leading path traversal rejected", "../etc/passwd", true},
		{"embedded path traversal rejected", "foo/../../etc/passwd", true},
		{"windows-style path traversal rejected", "foo\\..\\bar", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDangerousPatterns(tt.value, "field")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
