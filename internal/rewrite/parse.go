package rewrite

import (
	"encoding/xml"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/log"

	"sitehost/internal/cache"
)

type Options struct {
	// SourceSuffix is removed verbatim from "from" patterns, wherever it
	// occurs.
	SourceSuffix string
	// DynamicExtension is stripped from "to" targets.
	DynamicExtension string
}

type ruleDoc struct {
	Rules []ruleElem `xml:"rule"`
}

type ruleElem struct {
	Type    string `xml:"type,attr"`
	Enabled string `xml:"enabled,attr"`
	From    string `xml:"from"`
	To      struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"to"`
}

func (r ruleElem) isForward() bool {
	if strings.EqualFold(strings.TrimSpace(r.Enabled), "false") {
		return false
	}
	t := strings.TrimSpace(r.To.Type)
	if t == "" {
		t = strings.TrimSpace(r.Type)
	}
	return t == "" || strings.EqualFold(t, "forward")
}

// ParseFile reads the rewrite configuration at path. On any failure it
// returns an empty index together with the error; a missing file is reported
// with errors.CodeNotFound.
func ParseFile(path string, opts Options) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		code := errors.CodeInternal
		if errors.Is(err, fs.ErrNotExist) {
			code = errors.CodeNotFound
		}
		return Empty(), errors.WithContext(errors.Wrap(err, code, "open rewrite config"), "path", path)
	}
	defer f.Close()

	ix, err := Parse(f, opts)
	if err != nil {
		return Empty(), errors.WithContext(err, "path", path)
	}
	return ix, nil
}

// Parse builds an index from a rewrite document. Only forward rules (no
// type, or type "forward") take part.
func Parse(r io.Reader, opts Options) (*Index, error) {
	var doc ruleDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return Empty(), nil
		}
		return Empty(), errors.Wrap(err, errors.CodeInvalidConfig, "decode rewrite config")
	}

	ix := Empty()
	for _, rule := range doc.Rules {
		if !rule.isForward() {
			continue
		}
		source := sourcePath(rule.From, opts.SourceSuffix)
		target := targetPath(rule.To.Value, opts.DynamicExtension)
		if source == "" || target == "" {
			continue
		}
		if strings.ContainsAny(source, `*+[](){}|\`) {
			log.Debug().Str("from", rule.From).Str("alias", source).Msg("rewrite pattern kept as literal alias")
		}
		ix.add(source, target)
	}
	return ix, nil
}

func sourcePath(from, suffix string) string {
	s := strings.TrimSpace(from)
	s = strings.TrimPrefix(s, "^")
	s = strings.TrimSuffix(s, "$")
	if suffix != "" {
		s = strings.ReplaceAll(s, suffix, "")
	}
	s = strings.TrimSuffix(s, "$")
	if s == "" {
		return ""
	}
	return cache.NormalizePath(s)
}

func targetPath(to, ext string) string {
	t := strings.TrimSpace(to)
	if t == "" || strings.Contains(t, "://") {
		return ""
	}
	if i := strings.IndexAny(t, "?#"); i >= 0 {
		t = t[:i]
	}
	if ext != "" {
		t = strings.TrimSuffix(t, ext)
	}
	if t == "" {
		return ""
	}
	return cache.NormalizePath(t)
}
