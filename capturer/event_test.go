package capturer

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3tea/activity-sentinel/logrepl"
)

func TestDecodeInsert(t *testing.T) {
	msg, err := Decode([]byte(`{"action":"I","schema":"public","table":"attachments","columns":[{"name":"id","type":"text","value":"e1"},{"name":"organization_id","type":"text","value":"o1"}]}`))
	require.NoError(t, err)

	assert.Equal(t, KindInsert, msg.Kind)
	assert.Equal(t, Relation{Schema: "public", Name: "attachments"}, msg.Relation)
	assert.Nil(t, msg.Old)

	cols, ok := msg.New.([]Column)
	require.True(t, ok)
	require.Len(t, cols, 2)
	assert.Equal(t, "organization_id", cols[1].Name)
	assert.Equal(t, "o1", cols[1].Value)
}

func TestDecodeUpdateWithIdentity(t *testing.T) {
	msg, err := Decode([]byte(`{"action":"U","schema":"public","table":"users","columns":[{"name":"name","value":"new"}],"identity":[{"name":"name","value":"old"}]}`))
	require.NoError(t, err)

	assert.Equal(t, KindUpdate, msg.Kind)
	assert.NotNil(t, msg.New)
	assert.NotNil(t, msg.Old)
}

func TestDecodeObjectRows(t *testing.T) {
	msg, err := Decode([]byte(`{"action":"D","table":"users","old":{"id":"u1"}}`))
	require.NoError(t, err)

	assert.Equal(t, KindDelete, msg.Kind)
	assert.Nil(t, msg.New)
	assert.Equal(t, map[string]any{"id": "u1"}, msg.Old)
}

func TestDecodeOther(t *testing.T) {
	for _, action := range []string{"B", "C", "T", "M"} {
		msg, err := Decode([]byte(`{"action":"` + action + `"}`))
		require.NoError(t, err)
		assert.Equal(t, KindOther, msg.Kind, action)
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"table":"users"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"action":"I"}`))
	require.Error(t, err)
}

func TestDatabaseConfigConnString(t *testing.T) {
	cfg := DatabaseConfig{
		Hosts:    []string{"db1", "db2"},
		Port:     5433,
		Username: "sentinel",
		Password: "p w'd",
		Database: "app",
	}

	conn, fallbacks, err := cfg.ConnString()
	require.NoError(t, err)
	assert.Equal(t, `host=db1 port=5433 user=sentinel password='p w\'d' dbname=app`, conn)
	assert.Equal(t, []string{"db2"}, fallbacks)

	pool, err := cfg.PoolConnString()
	require.NoError(t, err)
	assert.Equal(t, `host=db1,db2 port=5433 user=sentinel password='p w\'d' dbname=app`, pool)

	_, _, err = DatabaseConfig{}.ConnString()
	require.Error(t, err)
}

func TestPluginArgs(t *testing.T) {
	p := NewPostgresCapturer(Config{Tables: []string{"users", "app.attachments"}}, zerolog.Nop())
	args := p.pluginArgs()

	assert.Contains(t, args, `"format-version" '2'`)
	assert.Contains(t, args, `"add-tables" '*.users,app.attachments'`)
}

func TestAckNeverMovesBackwards(t *testing.T) {
	p := NewPostgresCapturer(Config{}, zerolog.Nop())
	p.Ack(100)
	p.Ack(50)
	assert.EqualValues(t, 100, p.Acked())
}

func TestStatusUpdateNeverFlushesPastAck(t *testing.T) {
	p := NewPostgresCapturer(Config{}, zerolog.Nop())

	flushed := func(received logrepl.LSN) (write, flush, apply uint64) {
		data := logrepl.EncodeStandbyStatusUpdate(p.statusUpdate(received))
		return binary.BigEndian.Uint64(data[1:]), binary.BigEndian.Uint64(data[9:]), binary.BigEndian.Uint64(data[17:])
	}

	// nothing acked yet: the read position must not be reported as flushed
	write, flush, apply := flushed(0x500)
	assert.EqualValues(t, 0x500, write)
	assert.Zero(t, flush)
	assert.Zero(t, apply)

	p.Ack(0x300)
	write, flush, apply = flushed(0x900)
	assert.EqualValues(t, 0x900, write)
	assert.EqualValues(t, p.Acked(), flush)
	assert.EqualValues(t, p.Acked(), apply)

	// the write position never trails the flush position
	p.Ack(0xA00)
	write, flush, _ = flushed(0x900)
	assert.EqualValues(t, 0xA00, write)
	assert.EqualValues(t, 0xA00, flush)
}
