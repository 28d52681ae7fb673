package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiteralHeader(t *testing.T) {
	tests := []struct {
		input   string
		sync    string
		nonSync string
	}{
		{"test", "{4}", "{4+}\r\ntest"},
		{"тест", "{8}", "{8+}\r\nтест"},
		{"测试", "{6}", "{6+}\r\n测试"},
		{"😀👍", "{8}", "{8+}\r\n😀👍"},
		{"Prüfung", "{8}", "{8+}\r\nPrüfung"},
		{"", "{0}", "{0+}\r\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.sync, literalHeader(len(tt.input), false), tt.input)
		assert.Equal(t, tt.nonSync, makeNonSyncLiteral(tt.input), tt.input)
	}
}

func TestQuoteString(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteString("plain"))
	assert.Equal(t, `"a \"b\" c\\d"`, quoteString(`a "b" c\d`))
	assert.True(t, isASCII("Hello, world"))
	assert.False(t, isASCII("Grüße"))
}

func TestFolderNameEncoding(t *testing.T) {
	tests := []struct {
		name string
		utf8 bool
		wire string
	}{
		{"INBOX", false, `"INBOX"`},
		{"Entwürfe", false, `"Entw&APw-rfe"`},
		{"Entwürfe", true, `"Entwürfe"`},
		{"A&B", false, `"A&-B"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wire, encodeFolderName(tt.name, tt.utf8), tt.name)
	}

	assert.Equal(t, "Entwürfe", decodeFolderName("Entw&APw-rfe", false))
	assert.Equal(t, "Entw&APw-rfe", decodeFolderName("Entw&APw-rfe", true))
}
