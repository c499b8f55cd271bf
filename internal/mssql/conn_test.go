package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fault bool
	}{
		{"bad conn", driver.ErrBadConn, true},
		{"conn done", sql.ErrConnDone, true},
		{"eof", fmt.Errorf("read: %w", io.EOF), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"network", timeoutErr{}, true},
		{"stream", mssql.StreamError{InnerError: errors.New("bad token")}, true},
		{"server error", mssql.Error{Number: 208, Message: "Invalid object name 'x'."}, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
		{"other", errors.New("sql: no rows"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.err.Error(), got.Error())
			assert.Equal(t, tt.fault, errors.Is(got, pool.ErrSlotFault))
		})
	}
	assert.NoError(t, classify(nil))
}

func TestConvert(t *testing.T) {
	assert.Equal(t, "12.50", convert([]byte("12.50"), "DECIMAL"))
	assert.Equal(t, "3.1400", convert([]byte("3.1400"), "MONEY"))
	assert.Equal(t, int64(7), convert(int64(7), "INT"))
	assert.Equal(t, []byte{1, 2}, convert([]byte{1, 2}, "VARBINARY"))

	// SQL Server stores the first three GUID groups little-endian.
	raw := []byte{
		0x67, 0x45, 0x23, 0x01, 0xab, 0x89, 0xef, 0xcd,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}
	assert.Equal(t, "01234567-89AB-CDEF-0123-456789ABCDEF", convert(raw, "UNIQUEIDENTIFIER"))
}
