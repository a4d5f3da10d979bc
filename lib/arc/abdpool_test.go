package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestABDPoolGetPutReuse(t *testing.T) {
	t.Parallel()
	var p ABDPool

	buf := p.Get(128)
	require.Len(t, buf, 128)

	p.Put(buf)
	buf2 := p.Get(64)
	require.Len(t, buf2, 64)
}
