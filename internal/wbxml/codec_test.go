package wbxml

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSerializer_Header(t *testing.T) {
	s := NewSerializer()
	data, err := s.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0x01, 0x6A, 0x00}, data, "WBXML 1.3, unknown PI, UTF-8, empty string table")
}

func TestSerializer_UnclosedElement(t *testing.T) {
	s := NewSerializer()
	s.Start(PingPing)
	_, err := s.Bytes()
	require.Error(t, err)
}

func TestRoundTrip_SingleElement(t *testing.T) {
	s := NewSerializer()
	s.Start(FolderFolderSync).
		Data(FolderSyncKey, "0").
		End()
	data, err := s.Bytes()
	require.NoError(t, err)

	p, err := NewParser(bytes.NewReader(data))
	require.NoError(t, err)

	tag, err := p.NextTag(0)
	require.NoError(t, err)
	require.Equal(t, FolderFolderSync, tag)

	tag, err = p.NextTag(FolderFolderSync)
	require.NoError(t, err)
	require.Equal(t, FolderSyncKey, tag)

	v, err := p.Value()
	require.NoError(t, err)
	require.Equal(t, "0", v)

	tag, err = p.NextTag(FolderFolderSync)
	require.NoError(t, err)
	require.Equal(t, Done, tag)
}

func TestRoundTrip_PageSwitches(t *testing.T) {
	// Sync bodies cross between AirSync (page 0) and AirSyncBase (page
	// 0x11); the parser must follow the SWITCH_PAGE tokens.
	s := NewSerializer()
	s.Start(SyncSync).
		Start(SyncCollections).
		Start(SyncCollection).
		Data(SyncSyncKey, "17").
		Start(SyncOptions).
		Start(BaseBodyPreference).
		DataInt(BaseType, 2).
		End(). // BodyPreference
		End(). // Options
		End(). // Collection
		End(). // Collections
		End()  // Sync
	data, err := s.Bytes()
	require.NoError(t, err)

	p, err := NewParser(bytes.NewReader(data))
	require.NoError(t, err)

	tag, err := p.NextTag(0)
	require.NoError(t, err)
	require.Equal(t, SyncSync, tag)

	var sawType bool
	for _, want := range []int{SyncCollections, SyncCollection} {
		tag, err = p.NextTag(SyncSync)
		require.NoError(t, err)
		require.Equal(t, want, tag)
	}

	for {
		tag, err = p.NextTag(SyncCollection)
		require.NoError(t, err)
		if tag == Done {
			break
		}
		switch tag {
		case SyncSyncKey:
			v, err := p.Value()
			require.NoError(t, err)
			require.Equal(t, "17", v)
		case SyncOptions:
			inner, err := p.NextTag(SyncOptions)
			require.NoError(t, err)
			require.Equal(t, BaseBodyPreference, inner)
			typ, err := p.NextTag(BaseBodyPreference)
			require.NoError(t, err)
			require.Equal(t, BaseType, typ)
			n, err := p.ValueInt()
			require.NoError(t, err)
			require.Equal(t, 2, n)
			sawType = true
			done, err := p.NextTag(BaseBodyPreference)
			require.NoError(t, err)
			require.Equal(t, Done, done)
			done, err = p.NextTag(SyncOptions)
			require.NoError(t, err)
			require.Equal(t, Done, done)
		}
	}
	require.True(t, sawType)
}

func TestParser_EmptyDocument(t *testing.T) {
	_, err := NewParser(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrEmptyDocument)
}

func TestParser_EmptyElement(t *testing.T) {
	s := NewSerializer()
	s.Start(SyncCollection).
		Tag(SyncGetChanges).
		Data(SyncSyncKey, "1").
		End()
	data, err := s.Bytes()
	require.NoError(t, err)

	p, err := NewParser(bytes.NewReader(data))
	require.NoError(t, err)

	tag, err := p.NextTag(0)
	require.NoError(t, err)
	require.Equal(t, SyncCollection, tag)

	tag, err = p.NextTag(SyncCollection)
	require.NoError(t, err)
	require.Equal(t, SyncGetChanges, tag)
	v, err := p.Value()
	require.NoError(t, err)
	require.Empty(t, v, "empty element yields empty value")

	tag, err = p.NextTag(SyncCollection)
	require.NoError(t, err)
	require.Equal(t, SyncSyncKey, tag)
}

func TestParser_SkipSubtree(t *testing.T) {
	s := NewSerializer()
	s.Start(SyncSync).
		Start(SyncCollections).
		Start(SyncCollection).
		Data(SyncSyncKey, "5").
		Data(SyncCollectionID, "inbox").
		End().
		End().
		Data(SyncStatus, "1").
		End()
	data, err := s.Bytes()
	require.NoError(t, err)

	p, err := NewParser(bytes.NewReader(data))
	require.NoError(t, err)

	tag, err := p.NextTag(0)
	require.NoError(t, err)
	require.Equal(t, SyncSync, tag)

	tag, err = p.NextTag(SyncSync)
	require.NoError(t, err)
	require.Equal(t, SyncCollections, tag)
	require.NoError(t, p.Skip())

	tag, err = p.NextTag(SyncSync)
	require.NoError(t, err)
	require.Equal(t, SyncStatus, tag)
	v, err := p.Value()
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestParser_OpaqueValue(t *testing.T) {
	s := NewSerializer()
	s.Start(BaseData)
	s.Opaque([]byte("hello opaque"))
	s.End()
	data, err := s.Bytes()
	require.NoError(t, err)

	p, err := NewParser(bytes.NewReader(data))
	require.NoError(t, err)

	tag, err := p.NextTag(0)
	require.NoError(t, err)
	require.Equal(t, BaseData, tag)
	v, err := p.Value()
	require.NoError(t, err)
	require.Equal(t, "hello opaque", v)
}

func TestMultiByteInt_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := rapid.Uint32().Draw(rt, "v")

		var buf bytes.Buffer
		writeMultiByteInt(&buf, v)

		p := &Parser{r: bufio.NewReader(bytes.NewReader(buf.Bytes()))}
		got, err := p.readMultiByteInt()
		require.NoError(rt, err)
		require.Equal(rt, v, got)
	})
}

func TestRoundTrip_ValuesSurvive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		// Inline strings are NUL-terminated on the wire.
		value := rapid.StringMatching(`[^\x00]*`).Draw(rt, "value")

		s := NewSerializer()
		s.Start(PingPing).
			Data(PingID, value).
			End()
		data, err := s.Bytes()
		require.NoError(rt, err)

		p, err := NewParser(bytes.NewReader(data))
		require.NoError(rt, err)

		tag, err := p.NextTag(0)
		require.NoError(rt, err)
		require.Equal(rt, PingPing, tag)

		tag, err = p.NextTag(PingPing)
		require.NoError(rt, err)
		require.Equal(rt, PingID, tag)

		got, err := p.Value()
		require.NoError(rt, err)
		require.Equal(rt, value, got)
	})
}
