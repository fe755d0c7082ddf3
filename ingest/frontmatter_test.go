package ingest

import (
	"errors"
	"testing"

	"kbassist-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMetadata_RoundTrip(t *testing.T) {
	meta, body, err := ExtractMetadata("---\nkey: \"value\"\n---\nBODY")
	require.NoError(t, err)
	assert.Equal(t, models.Metadata{"key": "value"}, meta)
	assert.Equal(t, "BODY", body)
}

func TestExtractMetadata_MultipleKeys(t *testing.T) {
	raw := "---\n" +
		"title: \"Test Document\"\n" +
		"author: \"ChatGPT\"\n" +
		"---\n" +
		"# Heading\n\nContent here."

	meta, body, err := ExtractMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, "Test Document", meta["title"])
	assert.Equal(t, "ChatGPT", meta["author"])
	assert.Equal(t, "# Heading\n\nContent here.", body)
}

func TestExtractMetadata_BlockScalarAndList(t *testing.T) {
	raw := "---\n" +
		"subcategory: \"S3 (Simple Storage)\"\n" +
		"page_title: \"AWS: aws_s3_bucket\"\n" +
		"description: |-\n" +
		"  Provides a S3 bucket resource.\n" +
		"  Second line.\n" +
		"tags: [storage, s3]\n" +
		"empty:\n" +
		"---\n\n" +
		"# Resource: aws_s3_bucket\n\n"

	meta, body, err := ExtractMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, "S3 (Simple Storage)", meta["subcategory"])
	assert.Equal(t, "AWS: aws_s3_bucket", meta["page_title"])
	assert.Equal(t, "Provides a S3 bucket resource.\nSecond line.", meta["description"])
	assert.Equal(t, []string{"storage", "s3"}, meta["tags"])
	assert.Equal(t, "", meta["empty"])
	assert.Equal(t, "# Resource: aws_s3_bucket", body)
}

func TestExtractMetadata_NoFrontmatter(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain markdown", "# Title\n\nSome text."},
		{"empty", ""},
		{"delimiter not on first line", "intro\n---\nkey: v\n---\n"},
		{"no closing delimiter", "---\nkey: value\n# Title"},
		{"delimiter without newline", "---"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body, err := ExtractMetadata(tt.raw)
			require.NoError(t, err)
			assert.Empty(t, meta)
			assert.Equal(t, tt.raw, body)
			assert.False(t, HasFrontmatter(tt.raw))
		})
	}
}

func TestExtractMetadata_EmptyBlock(t *testing.T) {
	meta, body, err := ExtractMetadata("---\n---\n  body  \n")
	require.NoError(t, err)
	assert.Empty(t, meta)
	assert.Equal(t, "body", body)
}

func TestExtractMetadata_CRLF(t *testing.T) {
	meta, body, err := ExtractMetadata("---\r\npage_title: \"S3\"\r\n---\r\nBODY\r\n")
	require.NoError(t, err)
	assert.Equal(t, "S3", meta["page_title"])
	assert.Equal(t, "BODY", body)
}

func TestExtractMetadata_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unterminated quote", "---\nkey: \"unterminated\n---\nbody"},
		{"sequence instead of mapping", "---\n- a\n- b\n---\nbody"},
		{"nested mapping", "---\nmeta:\n  a: b\n---\nbody"},
		{"bare scalar", "---\njust some words\n---\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ExtractMetadata(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMetadataParse))

			var parseErr *MetadataParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}
