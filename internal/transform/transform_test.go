package transform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- classification helpers ---

func TestKindTransformable(t *testing.T) {
	assert.True(t, KindJS.Transformable())
	assert.True(t, KindCSS.Transformable())
	assert.True(t, KindHTML.Transformable())
	assert.False(t, KindImage.Transformable())
	assert.False(t, KindOther.Transformable())
}

func TestFlagsBitset(t *testing.T) {
	all := Flags{JS: true, CSS: true, HTML: true, BundleESModules: true, EmulateSW: true, InjectPolyfills: true, SpoofUAInJS: true}
	none := Flags{}

	assert.NotEqual(t, all.Bitset(), none.Bitset())
	assert.Equal(t, uint32(0), none.Bitset())

	// Each flag flips a distinct bit.
	jsOnly := Flags{JS: true}
	cssOnly := Flags{CSS: true}
	assert.NotEqual(t, jsOnly.Bitset(), cssOnly.Bitset())
}

// --- error classification ---

func TestIsIgnorable(t *testing.T) {
	assert.False(t, IsIgnorable(nil))
	assert.False(t, IsIgnorable(errors.New("syntax error")))

	assert.True(t, IsIgnorable(errors.New(`'x' has already been declared`)))
	assert.True(t, IsIgnorable(errors.New("Duplicate declaration of y")))
	assert.True(t, IsIgnorable(Ignorable(errors.New("anything at all"))))
	assert.True(t, IsIgnorable(fmt.Errorf("wrapping: %w", Ignorable(errors.New("inner")))))
}

// --- built-in transformers ---

func TestDownlevelJS(t *testing.T) {
	out, err := downlevelJS(KindJS, []byte("let x = 1; const y = 2;"), "https://a/app.js", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "var x = 1; var y = 2;", string(out))
}

func TestDownlevelJS_LeavesStringsAlone(t *testing.T) {
	src := `var msg = "let it be"; // let the comment stand
const z = 'const in string is code? no';`
	out, err := downlevelJS(KindJS, []byte(src), "u", Flags{})
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `"let it be"`)
	assert.Contains(t, s, "// let the comment stand")
	assert.Contains(t, s, "var z =")
	assert.Contains(t, s, `'const in string is code? no'`)
}

func TestDownlevelJS_TemplateLiteral(t *testing.T) {
	src := "let a = `const inside template`;"
	out, err := downlevelJS(KindJS, []byte(src), "u", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "var a = `const inside template`;", string(out))
}

func TestDownlevelJS_StripsExports(t *testing.T) {
	src := "export default foo; export const bar = 1;"
	out, err := downlevelJS(KindJS, []byte(src), "u", Flags{BundleESModules: true})
	require.NoError(t, err)

	s := string(out)
	assert.NotContains(t, s, "export")
	assert.Contains(t, s, "var bar = 1;")
}

func TestDownlevelJS_KeepsExportsWithoutBundling(t *testing.T) {
	src := "export const bar = 1;"
	out, err := downlevelJS(KindJS, []byte(src), "u", Flags{})
	require.NoError(t, err)
	assert.Contains(t, string(out), "export")
}

func TestPrefixCSS(t *testing.T) {
	out, err := prefixCSS(KindCSS, []byte(".row{display:flex;}"), "u", Flags{})
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "display:-webkit-flex;")
	assert.Contains(t, s, "display:flex")
}

func TestPrefixCSS_PropertyName(t *testing.T) {
	out, err := prefixCSS(KindCSS, []byte("p{user-select: none}"), "u", Flags{})
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "-webkit-user-select: none;")
	assert.Contains(t, s, "user-select: none")
}

func TestPassHTML(t *testing.T) {
	in := []byte("<html><body>hi</body></html>")
	out, err := passHTML(KindHTML, in, "u", Flags{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// --- registry ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, kind := range []Kind{KindJS, KindCSS, KindHTML} {
		_, err := r.Lookup(kind)
		require.NoError(t, err, "built-in for %s", kind)
	}

	_, err := r.Lookup(KindImage)
	require.Error(t, err)

	custom := TransformerFunc(func(_ Kind, body []byte, _ string, _ Flags) ([]byte, error) {
		return append([]byte("//x\n"), body...), nil
	})
	r.Register(KindJS, custom)

	tr, err := r.Lookup(KindJS)
	require.NoError(t, err)
	out, err := tr.Transform(KindJS, []byte("a"), "u", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "//x\na", string(out))
}

// --- pool ---

func TestPool_Submit(t *testing.T) {
	pool := NewPool(PoolOptions{Workers: 2})
	defer pool.Close()

	out, err := pool.Submit(context.Background(), KindJS, []byte("let a=1;"), "https://a/app.js", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "var a=1;", string(out))
}

func TestPool_Parallel(t *testing.T) {
	reg := NewRegistry()
	var running, peak atomic.Int64
	reg.Register(KindJS, TransformerFunc(func(_ Kind, body []byte, _ string, _ Flags) ([]byte, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return body, nil
	}))

	pool := NewPool(PoolOptions{Workers: 4, Registry: reg})
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Submit(context.Background(), KindJS, []byte("x"), "u", Flags{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Greater(t, peak.Load(), int64(1), "transforms must run in parallel")
	assert.LessOrEqual(t, peak.Load(), int64(4), "parallelism must not exceed the worker count")
}

func TestPool_CancelBeforeStart(t *testing.T) {
	reg := NewRegistry()
	block := make(chan struct{})
	reg.Register(KindJS, TransformerFunc(func(_ Kind, body []byte, _ string, _ Flags) ([]byte, error) {
		<-block
		return body, nil
	}))

	pool := NewPool(PoolOptions{Workers: 1, Registry: reg})
	defer func() {
		close(block)
		pool.Close()
	}()

	// Occupy the only worker.
	go func() {
		_, _ = pool.Submit(context.Background(), KindJS, []byte("x"), "u", Flags{})
	}()
	time.Sleep(20 * time.Millisecond)

	// A queued task whose submitter gives up is discarded.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Submit(ctx, KindJS, []byte("y"), "u", Flags{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	pool := NewPool(PoolOptions{Workers: 1})
	pool.Close()

	_, err := pool.Submit(context.Background(), KindJS, []byte("x"), "u", Flags{})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_TransformerPanicIsError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindJS, TransformerFunc(func(_ Kind, _ []byte, _ string, _ Flags) ([]byte, error) {
		panic("boom")
	}))

	pool := NewPool(PoolOptions{Workers: 1, Registry: reg})
	defer pool.Close()

	_, err := pool.Submit(context.Background(), KindJS, []byte("x"), "u", Flags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}
