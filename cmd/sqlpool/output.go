package main

import (
	"encoding/json"
	"io"

	"github.com/joao-brasil/mssql-querypool/pkg/querypool"
)

// eventLine is the JSON form of one stream event.
type eventLine struct {
	Type   string            `json:"type"`
	Set    int               `json:"set"`
	Fields []querypool.Field `json:"fields,omitempty"`
	Row    querypool.Row     `json:"row,omitempty"`
	Total  *int64            `json:"total,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func writeResult(w io.Writer, res *querypool.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// writeEvents prints one JSON line per event and returns the error carried
// by the end event.
func writeEvents(w io.Writer, events <-chan querypool.Event) error {
	enc := json.NewEncoder(w)
	var streamErr error
	for ev := range events {
		line := eventLine{
			Type:   ev.Type.String(),
			Set:    ev.Set,
			Fields: ev.Fields,
			Row:    ev.Row,
			Total:  ev.Total,
		}
		if ev.Err != nil {
			line.Error = ev.Err.Error()
			streamErr = ev.Err
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return streamErr
}
