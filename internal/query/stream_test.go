package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
	"github.com/joao-brasil/mssql-querypool/internal/pool/pooltest"
	"github.com/joao-brasil/mssql-querypool/internal/query"
)

func collect(t *testing.T, s *query.RowStream) []query.Event {
	t.Helper()
	var events []query.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not end, got %d events", len(events))
		}
	}
}

func types(events []query.Event) []query.EventType {
	out := make([]query.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStream_rowsThenOneEnd(t *testing.T) {
	defer leaktest.AfterTest(t)()
	srv := pooltest.NewServer()
	srv.Handle("SELECT * FROM users; SELECT 7 AS n", pooltest.Response{Sets: []pooltest.ResultSet{
		usersSet,
		{Columns: []pool.Column{{Name: "n"}}, Rows: [][]any{{int64(7)}}},
	}})
	p, e := newExecutor(t, srv, 1, query.Options{})
	defer p.Close()

	s, err := e.Stream(context.Background(), "SELECT * FROM users; SELECT 7 AS n")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	events := collect(t, s)

	assert.Equal(t, []query.EventType{
		query.EventColumns, query.EventRow, query.EventRow,
		query.EventColumns, query.EventRow,
		query.EventEnd,
	}, types(events))

	assert.Equal(t, 0, events[0].Set)
	assert.Equal(t, "users", events[0].Fields[0].OrgTable)
	assert.Equal(t, query.Row{"id": int64(1), "name": "ana"}, events[1].Row)
	assert.Equal(t, query.Row{"id": int64(2), "name": "bia"}, events[2].Row)
	assert.Equal(t, 1, events[3].Set)
	assert.Equal(t, query.Row{"n": int64(7)}, events[4].Row)

	end := events[5]
	assert.NoError(t, end.Err)
	assert.Nil(t, end.Total)

	<-s.Done()
	assert.Equal(t, 1, p.Stats().Free)
	require.NoError(t, s.Close())
}

func TestStream_matchesBufferedRows(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rows := make([][]any, 100)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	srv := pooltest.NewServer()
	srv.Handle("SELECT n FROM numbers", pooltest.Response{Sets: []pooltest.ResultSet{
		{Columns: []pool.Column{{Name: "n", Table: "numbers"}}, Rows: rows},
	}})
	p, e := newExecutor(t, srv, 1, query.Options{StreamBuffer: 4})
	defer p.Close()

	ctx := context.Background()
	res, err := e.Query(ctx, "SELECT n FROM numbers")
	require.NoError(t, err)

	s, err := e.Stream(ctx, "SELECT n FROM numbers")
	require.NoError(t, err)
	var streamed []query.Row
	ends := 0
	for _, ev := range collect(t, s) {
		switch ev.Type {
		case query.EventRow:
			streamed = append(streamed, ev.Row)
		case query.EventEnd:
			ends++
			assert.NoError(t, ev.Err)
		}
	}
	assert.Equal(t, 1, ends)
	assert.Equal(t, res.Rows, streamed)
	require.NoError(t, s.Close())
}

func TestStream_modifyEndsWithTotal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	srv := pooltest.NewServer()
	srv.Handle("DELETE FROM t WHERE x = 1", pooltest.Response{Affected: 3})
	p, e := newExecutor(t, srv, 1, query.Options{})
	defer p.Close()

	s, err := e.Stream(context.Background(), "DELETE FROM t WHERE x = 1")
	require.NoError(t, err)
	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, query.EventEnd, events[0].Type)
	require.NotNil(t, events[0].Total)
	assert.Equal(t, int64(3), *events[0].Total)
	require.NoError(t, s.Close())
}

func TestStream_closeReleasesSlot(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rows := make([][]any, 1000)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	srv := pooltest.NewServer()
	srv.Handle("SELECT n FROM numbers", pooltest.Response{Sets: []pooltest.ResultSet{
		{Columns: []pool.Column{{Name: "n"}}, Rows: rows},
	}})
	p, e := newExecutor(t, srv, 1, query.Options{StreamBuffer: 1})
	defer p.Close()

	s, err := e.Stream(context.Background(), "SELECT n FROM numbers")
	require.NoError(t, err)
	ev := <-s.Events()
	assert.Equal(t, query.EventColumns, ev.Type)
	assert.Equal(t, 1, p.Stats().Busy)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s1 := p.Stats()
	assert.Equal(t, 1, s1.Free)
	assert.Equal(t, 0, s1.Busy)

	res, err := e.Query(context.Background(), "SELECT n FROM numbers")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1000)
}

func TestStream_stalledConsumerTimesOut(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	srv := pooltest.NewServer()
	srv.Handle("SELECT n FROM numbers", pooltest.Response{Sets: []pooltest.ResultSet{
		{Columns: []pool.Column{{Name: "n"}}, Rows: rows},
	}})
	p, e := newExecutor(t, srv, 1, query.Options{StreamBuffer: 1, RequestTimeout: 100 * time.Millisecond})
	defer p.Close()

	s, err := e.Stream(context.Background(), "SELECT n FROM numbers")
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("slot still held: %+v", p.Stats())
	}
	st := p.Stats()
	assert.Equal(t, 1, st.Free)
	assert.Equal(t, 0, st.Busy)

	events := collect(t, s)
	require.NotEmpty(t, events)
	assert.Equal(t, query.EventColumns, events[0].Type)
	assert.Len(t, events, 1)
	require.NoError(t, s.Close())

	res, err := e.Query(context.Background(), "SELECT n FROM numbers")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 10)
}

func TestStream_faultEndsWithError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	srv := pooltest.NewServer()
	srv.Handle("SELECT * FROM users", pooltest.Response{Sets: []pooltest.ResultSet{usersSet}, Fault: true})
	p, e := newExecutor(t, srv, 1, query.Options{})
	defer p.Close()

	s, err := e.Stream(context.Background(), "SELECT * FROM users")
	require.NoError(t, err)
	events := collect(t, s)
	require.Len(t, events, 4)
	end := events[3]
	assert.Equal(t, query.EventEnd, end.Type)
	assert.ErrorIs(t, end.Err, pool.ErrSlotFault)
	require.NoError(t, s.Close())

	_, err = e.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, srv.Conns(), 2)
	assert.True(t, srv.Conns()[0].Closed())
}

func TestStream_queryErrorEndsStream(t *testing.T) {
	defer leaktest.AfterTest(t)()
	srv := pooltest.NewServer()
	srv.Handle("SELECT nope", pooltest.Response{Err: assert.AnError})
	p, e := newExecutor(t, srv, 1, query.Options{})
	defer p.Close()

	s, err := e.Stream(context.Background(), "SELECT nope")
	require.NoError(t, err)
	events := collect(t, s)
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, assert.AnError)
	require.NoError(t, s.Close())
	assert.Equal(t, 1, p.Stats().Free)
}

func TestStream_acquireError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	srv := pooltest.NewServer()
	p, e := newExecutor(t, srv, 1, query.Options{})
	require.NoError(t, p.Close())

	_, err := e.Stream(context.Background(), "SELECT 1")
	assert.True(t, pool.IsClosed(err))
}
