package dispatch

import (
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/errors"
)

// readFile reads name from the site filesystem. Missing files and
// directories are CodeNotFound.
func readFile(fsys billy.Filesystem, name string) ([]byte, error) {
	name = strings.TrimPrefix(name, "/")
	fi, err := fsys.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.WithContext(errors.New(errors.CodeNotFound, "not found"), "file", name)
		}
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeInternal, "stat content"), "file", name)
	}
	if fi.IsDir() {
		return nil, errors.WithContext(errors.New(errors.CodeNotFound, "not found"), "file", name)
	}
	b, err := util.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeInternal, "read content"), "file", name)
	}
	return b, nil
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

// StaticHandler serves files from the site content root as they are.
type StaticHandler struct{}

func (StaticHandler) Handle(r *Request) (*Response, error) {
	body, err := readFile(r.Site.FS(), r.Path)
	if err != nil {
		return nil, err
	}
	return newResponse(http.StatusOK, contentType(r.Path, body), body), nil
}

// Renderer turns a page template into a response. Page generation itself is
// pluggable; RawRenderer returns the template bytes unchanged.
type Renderer interface {
	Render(r *Request, file string, src []byte) (*Response, error)
}

type RawRenderer struct{}

func (RawRenderer) Render(_ *Request, _ string, src []byte) (*Response, error) {
	return newResponse(http.StatusOK, "text/html; charset=utf-8", src), nil
}

// DynamicHandler resolves a logical page path to its template file,
// following forward aliases of the site rewrite index, and renders it.
type DynamicHandler struct {
	Renderer Renderer
}

func (h DynamicHandler) Handle(r *Request) (*Response, error) {
	file := TemplateFile(r.Site.Rules().Target, r.Path, r.Site.Config().DynamicExtension)
	src, err := readFile(r.Site.FS(), file)
	if err != nil {
		return nil, err
	}
	rnd := h.Renderer
	if rnd == nil {
		rnd = RawRenderer{}
	}
	return rnd.Render(r, file, src)
}

// TemplateFile maps a request path to the template backing it: forwards are
// resolved through target, directories map to their index page and the
// dynamic extension is appended.
func TemplateFile(target func(string) (string, bool), p, ext string) string {
	p = strings.TrimSuffix(p, ext)
	if t, ok := target(p); ok {
		p = t
	}
	if strings.HasSuffix(p, "/") {
		p += "index"
	}
	return p + ext
}
