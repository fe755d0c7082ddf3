package ingest

import (
	"errors"
	"fmt"
	"strings"

	"kbassist-backend/models"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// ErrMetadataParse is matched by every *MetadataParseError
var ErrMetadataParse = errors.New("malformed frontmatter")

// MetadataParseError reports a frontmatter block that was found but could not
// be parsed.
type MetadataParseError struct {
	Err error
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMetadataParse, e.Err)
}

func (e *MetadataParseError) Unwrap() error { return e.Err }

// Is reports whether target is ErrMetadataParse
func (e *MetadataParseError) Is(target error) bool { return target == ErrMetadataParse }

// HasFrontmatter reports whether raw opens with a delimited frontmatter block
func HasFrontmatter(raw string) bool {
	_, _, ok := splitFrontmatter(raw)
	return ok
}

// ExtractMetadata parses a leading YAML frontmatter block and returns the
// metadata together with the trimmed body that follows it. Text without a
// complete delimiter pair is returned unchanged with empty metadata.
func ExtractMetadata(raw string) (models.Metadata, string, error) {
	block, body, ok := splitFrontmatter(raw)
	if !ok {
		return models.Metadata{}, raw, nil
	}

	meta := models.Metadata{}
	if strings.TrimSpace(block) == "" {
		return meta, strings.TrimSpace(body), nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(block), &node); err != nil {
		return nil, "", &MetadataParseError{Err: err}
	}
	if len(node.Content) == 0 {
		return meta, strings.TrimSpace(body), nil
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, "", &MetadataParseError{Err: fmt.Errorf("line %d: expected key: value pairs", mapping.Line)}
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i], mapping.Content[i+1]
		if key.Kind != yaml.ScalarNode || strings.TrimSpace(key.Value) == "" {
			return nil, "", &MetadataParseError{Err: fmt.Errorf("line %d: invalid key", key.Line)}
		}
		v, err := metadataValue(value)
		if err != nil {
			return nil, "", &MetadataParseError{Err: fmt.Errorf("key %q: %w", key.Value, err)}
		}
		meta[key.Value] = v
	}

	return meta, strings.TrimSpace(body), nil
}

// metadataValue flattens a YAML value into a string or a list of strings
func metadataValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			return "", nil
		}
		return node.Value, nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: nested values are not supported", item.Line)
			}
			items = append(items, item.Value)
		}
		return items, nil
	case yaml.AliasNode:
		return metadataValue(node.Alias)
	default:
		return nil, fmt.Errorf("line %d: nested values are not supported", node.Line)
	}
}

// splitFrontmatter locates the opening and closing delimiter lines
func splitFrontmatter(raw string) (block, body string, ok bool) {
	first, rest, found := strings.Cut(raw, "\n")
	if !found || strings.TrimSpace(first) != frontmatterDelimiter {
		return "", "", false
	}

	offset := 0
	for offset <= len(rest) {
		line, _, more := strings.Cut(rest[offset:], "\n")
		if strings.TrimSpace(line) == frontmatterDelimiter {
			end := offset + len(line)
			if more {
				return rest[:offset], rest[end+1:], true
			}
			return rest[:offset], "", true
		}
		if !more {
			break
		}
		offset += len(line) + 1
	}
	return "", "", false
}
