package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleDataset() Dataset {
	return Dataset{
		Headers: []string{"Day", "Start", "Subject"},
		Rows: []map[string]string{
			{"Day": "MONDAY", "Start": "09:00", "Subject": "math"},
			{"Day": "TUESDAY", "Subject": "physics, lab"},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset())
	require.NoError(t, err)
	assert.Equal(t, "Day,Start,Subject\nMONDAY,09:00,math\nTUESDAY,,\"physics, lab\"\n", string(out))
}

func TestCSVExporterRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	require.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	out, err := NewPDFExporter().Render(sampleDataset(), "Timetable")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))

	empty, err := NewPDFExporter().Render(Dataset{Headers: []string{"Day"}}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, empty)

	_, err = NewPDFExporter().Render(Dataset{}, "x")
	require.Error(t, err)
}

func TestXLSXExporterRender(t *testing.T) {
	out, err := NewXLSXExporter().Render(sampleDataset(), "Timetable")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("PK")))

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Timetable"}, f.GetSheetList())
	header, err := f.GetCellValue("Timetable", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Day", header)
	subject, err := f.GetCellValue("Timetable", "C3")
	require.NoError(t, err)
	assert.Equal(t, "physics, lab", subject)

	_, err = NewXLSXExporter().Render(Dataset{}, "")
	require.Error(t, err)
}

func TestICSExporterRender(t *testing.T) {
	exporter := NewICSExporter("-//sma//timetable//EN")
	exporter.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	jakarta := time.FixedZone("WIB", 7*3600)

	out, err := exporter.Render([]Event{{
		UID:         "b-1",
		Start:       time.Date(2024, 1, 1, 9, 0, 0, 0, jakarta),
		End:         time.Date(2024, 1, 1, 10, 0, 0, 0, jakarta),
		Summary:     "math",
		Description: "room 2",
	}}, "Timetable")
	require.NoError(t, err)

	body := string(out)
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "DTSTART:20240101T020000Z")
	assert.Contains(t, body, "DTEND:20240101T030000Z")

	cal, err := ics.ParseCalendar(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 1)
	assert.Equal(t, "b-1", cal.Events()[0].Id())
}

func TestICSExporterRejectsBadEvents(t *testing.T) {
	exporter := NewICSExporter("-//sma//timetable//EN")
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	_, err := exporter.Render([]Event{{Start: at, End: at.Add(time.Hour)}}, "")
	require.Error(t, err)

	_, err = exporter.Render([]Event{{UID: "x", Start: at, End: at}}, "")
	require.Error(t, err)
}
