package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"schoolpass/internal/records"
)

func TestScanLogsXLSX(t *testing.T) {
	at := time.Date(2026, 3, 2, 7, 15, 0, 0, time.UTC)
	logs := []records.ScanLog{
		{At: at.Add(time.Minute), StudentName: records.UnknownName, Class: records.UnknownValue, Location: records.UnknownValue,
			Outcome: "not_found", Message: "No student found", OperatorID: "u-1"},
		{At: at, StudentName: "Wanjiru", Class: "5A", Location: "Gate B", Resource: "transport",
			Outcome: "approved", Message: "Wanjiru approved for transport", OperatorName: "Otieno"},
	}

	data, err := ScanLogsXLSX(logs, nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ScanLogHeader, rows[0])
	assert.Equal(t, "2026-03-02 07:16:00", rows[1][0])
	assert.Equal(t, "u-1", rows[1][7])
	assert.Equal(t, []string{"2026-03-02 07:15:00", "Wanjiru", "5A", "Gate B", "transport", "approved",
		"Wanjiru approved for transport", "Otieno"}, rows[2])
}

func TestScanLogsXLSX_Empty(t *testing.T) {
	data, err := ScanLogsXLSX(nil, time.UTC)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
