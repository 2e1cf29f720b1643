package rewrite

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opts = Options{SourceSuffix: `(\?.*)?`, DynamicExtension: ".jsp"}

func TestParseFileForwardRules(t *testing.T) {
	ix, err := ParseFile(filepath.Join("testdata", "urlrewrite.xml"), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"/de/error", "/de/fehler"}, ix.Aliases("/de/test"))
	assert.Equal(t, []string{"/en/start"}, ix.Aliases("/en/index"))
	assert.Nil(t, ix.Aliases("/de/index"), "redirect rules are not aliases")
	assert.Equal(t, 3, ix.Len())

	target, ok := ix.Target("/de/error")
	require.True(t, ok)
	assert.Equal(t, "/de/test", target)
	_, ok = ix.Target("/en/disabled")
	assert.False(t, ok)
	_, ok = ix.Target("/partner")
	assert.False(t, ok)
}

func TestParseRuleLevelType(t *testing.T) {
	doc := `<urlrewrite>
  <rule type="redirect"><from>^/a$</from><to>/b.jsp</to></rule>
  <rule type="forward"><from>^/c$</from><to>/d.jsp</to></rule>
</urlrewrite>`
	ix, err := Parse(strings.NewReader(doc), opts)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"/d": {"/c"}}, ix.Map())
}

func TestParseSourceSuffixIsLiteral(t *testing.T) {
	doc := `<urlrewrite>
  <rule><from>^/x(\?.*)?/y$</from><to>/t.jsp</to></rule>
</urlrewrite>`
	ix, err := Parse(strings.NewReader(doc), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/x/y"}, ix.Aliases("/t"))

	ix, err = Parse(strings.NewReader(doc), Options{DynamicExtension: ".jsp"})
	require.NoError(t, err)
	assert.Equal(t, []string{`/x(\?.*)?/y`}, ix.Aliases("/t"))
}

func TestParseIsIdempotent(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("testdata", "urlrewrite.xml"))
	require.NoError(t, err)

	a, err := Parse(strings.NewReader(string(b)), opts)
	require.NoError(t, err)
	c, err := Parse(strings.NewReader(string(b)), opts)
	require.NoError(t, err)

	assert.NotSame(t, a, c)
	assert.True(t, a.Equal(c))
	assert.False(t, a.Equal(Empty()))
}

func TestEqualIgnoresAliasOrder(t *testing.T) {
	a := Empty()
	a.add("/x", "/t")
	a.add("/y", "/t")
	b := Empty()
	b.add("/y", "/t")
	b.add("/x", "/t")
	assert.True(t, a.Equal(b))

	b.add("/z", "/t")
	assert.False(t, a.Equal(b))
}

func TestParseFileMissing(t *testing.T) {
	ix, err := ParseFile(filepath.Join(t.TempDir(), "nope.xml"), opts)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
	assert.Equal(t, 0, ix.Len())
}

func TestParseMalformed(t *testing.T) {
	ix, err := Parse(strings.NewReader("<urlrewrite><rule>"), opts)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
	assert.Equal(t, 0, ix.Len())

	ix, err = Parse(strings.NewReader(""), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Len())
}

func TestNilIndexIsEmpty(t *testing.T) {
	var ix *Index
	assert.Nil(t, ix.Aliases("/a"))
	_, ok := ix.Target("/a")
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len())
	assert.True(t, ix.Equal(Empty()))
}

func TestHolderSwapsWholeSnapshots(t *testing.T) {
	first := Empty()
	first.add("/a", "/t")
	h := NewHolder(first)
	before := h.RebuiltAt()

	second := Empty()
	second.add("/b", "/t")
	second.add("/c", "/t")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				n := len(h.Load().Aliases("/t"))
				assert.True(t, n == 1 || n == 2)
			}
		}()
	}
	h.Store(second)
	wg.Wait()

	assert.Same(t, second, h.Load())
	assert.False(t, h.RebuiltAt().Before(before))

	h.Store(nil)
	assert.Equal(t, 0, h.Load().Len())
}

func TestAliasesUnder(t *testing.T) {
	ix := Empty()
	ix.add("/a1", "/de/test")
	ix.add("/a2", "/de/sub/page")
	ix.add("/a3", "/den/other")
	ix.add("/a4", "/de")

	assert.ElementsMatch(t, []string{"/a1"}, ix.AliasesUnder("/de/test"))
	assert.ElementsMatch(t, []string{"/a4", "/a1", "/a2"}, ix.AliasesUnder("/de"))
	assert.Empty(t, ix.AliasesUnder("/fr"))
}
