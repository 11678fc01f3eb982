package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGerm(t *testing.T) {
	t.Run("should round trip through a block", func(t *testing.T) {
		g := Germ{Stem: 7, Version: 3, Created: 10, Updated: 20}
		block, err := g.Encode()
		require.NoError(t, err)
		require.Len(t, block, GermSize)

		got, err := DecodeGerm(block)
		require.NoError(t, err)
		assert.Equal(t, g, got)
	})

	t.Run("should pick the newer block", func(t *testing.T) {
		a, err := Germ{Updated: 100}.Encode()
		require.NoError(t, err)
		b, err := Germ{Updated: 200}.Encode()
		require.NoError(t, err)

		g, err := ReadGerm(append(append([]byte{}, a...), b...))
		require.NoError(t, err)
		assert.Equal(t, int64(200), g.Updated)

		g, err = ReadGerm(append(append([]byte{}, b...), a...))
		require.NoError(t, err)
		assert.Equal(t, int64(200), g.Updated)
	})

	t.Run("should tolerate one torn block", func(t *testing.T) {
		a, err := Germ{Updated: 100}.Encode()
		require.NoError(t, err)
		torn := make([]byte, GermSize)
		for i := range torn {
			torn[i] = 0xff
		}

		g, err := ReadGerm(append(torn, a...))
		require.NoError(t, err)
		assert.Equal(t, int64(100), g.Updated)
	})

	t.Run("should report an empty header", func(t *testing.T) {
		_, err := ReadGerm(make([]byte, 2*GermSize))
		assert.ErrorIs(t, err, ErrNoGerm)
	})

	t.Run("should reject trailing garbage", func(t *testing.T) {
		block, err := Germ{Updated: 1}.Encode()
		require.NoError(t, err)
		block[GermSize-1] = 1
		_, err = DecodeGerm(block)
		assert.True(t, IsCorrupt(err))
	})
}

func TestOpenZone(t *testing.T) {
	t.Run("should select the germ updated last", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "z-1.zdb")
		a, err := Germ{Version: 1, Updated: 100}.Encode()
		require.NoError(t, err)
		b, err := Germ{Version: 2, Updated: 200}.Encode()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, append(a, b...), 0644))

		z, err := OpenZone(path, 1, discardLogger())
		require.NoError(t, err)
		defer z.Close(bg)
		assert.Equal(t, int64(200), z.Germ().Updated)
		assert.Equal(t, int64(2), z.Germ().Version)
		assert.Equal(t, int64(headerSize), z.Size())
	})

	t.Run("should fail on a truncated header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "z-1.zdb")
		require.NoError(t, os.WriteFile(path, []byte("short"), 0644))

		_, err := OpenZone(path, 1, discardLogger())
		assert.True(t, IsCorrupt(err))
	})

	t.Run("should write both germ blocks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "z-1.zdb")
		z, err := CreateZone(path, 1, Germ{Updated: 5}, discardLogger())
		require.NoError(t, err)
		require.NoError(t, z.WriteGerm(Germ{Updated: 6}, true))
		require.NoError(t, z.Close(bg))

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		g0, err := DecodeGerm(b[:GermSize])
		require.NoError(t, err)
		g1, err := DecodeGerm(b[GermSize:headerSize])
		require.NoError(t, err)
		assert.Equal(t, int64(6), g0.Updated)
		assert.Equal(t, int64(6), g1.Updated)
	})
}

func TestZoneFileNames(t *testing.T) {
	t.Run("should parse names it formats", func(t *testing.T) {
		re := zoneFilePattern("data", "zdb")
		id, ok := parseZoneID(re, zoneFileName("data", 12, "zdb"))
		require.True(t, ok)
		assert.Equal(t, int32(12), id)

		for _, name := range []string{"data-0.zdb", "data-x.zdb", "other-1.zdb", "data-1.zdb.corrupt-abc"} {
			_, ok := parseZoneID(re, name)
			assert.False(t, ok, name)
		}
	})
}
