package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-querypool/pkg/querypool"
)

func TestWriteResult(t *testing.T) {
	total := int64(3)
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, &querypool.Result{Total: &total}))
	assert.JSONEq(t, `{"total": 3}`, buf.String())

	buf.Reset()
	require.NoError(t, writeResult(&buf, &querypool.Result{
		Rows:   []querypool.Row{{"id": 1}},
		Fields: [][]querypool.Field{{{Name: "id", OrgTable: "users"}}},
	}))
	assert.Contains(t, buf.String(), `"orgTable": "users"`)

	buf.Reset()
	require.NoError(t, writeResult(&buf, &querypool.Result{
		Rows:   []querypool.Row{},
		Fields: [][]querypool.Field{{{Name: "id", OrgTable: "users"}}},
	}))
	assert.JSONEq(t, `{"rows": [], "fields": [[{"name": "id", "orgTable": "users"}]]}`, buf.String())
}

func TestWriteEvents(t *testing.T) {
	boom := errors.New("boom")
	events := make(chan querypool.Event, 3)
	events <- querypool.Event{Type: querypool.EventColumns, Fields: []querypool.Field{{Name: "n"}}}
	events <- querypool.Event{Type: querypool.EventRow, Row: querypool.Row{"n": 1}}
	events <- querypool.Event{Type: querypool.EventEnd, Err: boom}
	close(events)

	var buf bytes.Buffer
	err := writeEvents(&buf, events)
	assert.ErrorIs(t, err, boom)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"type":"columns","set":0,"fields":[{"name":"n","orgTable":""}]}`, lines[0])
	assert.JSONEq(t, `{"type":"row","set":0,"row":{"n":1}}`, lines[1])
	assert.JSONEq(t, `{"type":"end","set":0,"error":"boom"}`, lines[2])
}
