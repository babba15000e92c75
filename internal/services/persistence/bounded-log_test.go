package persistence

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func reading(i int) model.Reading {
	return model.Reading{
		Timestamp:      t0.Add(time.Duration(i) * time.Second),
		Temperature:    20 + float64(i)/10,
		Humidity:       60,
		SoilMoisture:   float64(i),
		LightIntensity: 800 + i,
		NpkN:           25,
		NpkP:           18,
		NpkK:           22,
		PlantHealth:    model.HealthHealthy,
	}
}

func openLog(t *testing.T, max int) *BoundedLog {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "data", "sensor_data.csv"), max, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func moistures(rows []model.Reading) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.SoilMoisture)
	}
	return out
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestOpenCreatesFileWithHeader(t *testing.T) {
	l := openLog(t, 10)

	lines := fileLines(t, l.Path())
	require.Len(t, lines, 1)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	assert.Empty(t, slices.Collect(l.Read(10)))
}

func TestAppendKeepsNewestRows(t *testing.T) {
	l := openLog(t, 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(reading(i)))
	}

	got := slices.Collect(l.Read(10))
	assert.Equal(t, []float64{3, 4, 5}, moistures(got))
	assert.Equal(t, 3, l.Len())

	lines := fileLines(t, l.Path())
	assert.Len(t, lines, 4, "header plus three rows")
}

func TestReadLimitAndOrder(t *testing.T) {
	l := openLog(t, 100)
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(reading(i)))
	}

	assert.Equal(t, []float64{4, 5}, moistures(slices.Collect(l.Read(2))))
	assert.Empty(t, slices.Collect(l.Read(0)))
	assert.Empty(t, slices.Collect(l.Read(-1)))

	seq := l.Read(3)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second, "sequence is restartable")
}

func TestReadIsSnapshot(t *testing.T) {
	l := openLog(t, 2)
	require.NoError(t, l.Append(reading(1)))
	require.NoError(t, l.Append(reading(2)))

	seq := l.Read(10)
	require.NoError(t, l.Append(reading(3)))

	assert.Equal(t, []float64{1, 2}, moistures(slices.Collect(seq)))
	assert.Equal(t, []float64{2, 3}, moistures(slices.Collect(l.Read(10))))
}

func TestNilLogReadsEmpty(t *testing.T) {
	var l *BoundedLog
	assert.Empty(t, slices.Collect(l.Read(5)))
}

func TestReopenRestoresRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.csv")
	l, err := Open(path, 10, zap.NewNop())
	require.NoError(t, err)
	r := reading(7)
	r.IrrigationNeeded = true
	r.PlantHealth = "Moderate Stress"
	require.NoError(t, l.Append(reading(6)))
	require.NoError(t, l.Append(r))
	require.NoError(t, l.Close())

	l, err = Open(path, 10, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	got := slices.Collect(l.Read(10))
	require.Len(t, got, 2)
	assert.True(t, got[1].Timestamp.Equal(r.Timestamp))
	assert.Equal(t, r.Temperature, got[1].Temperature)
	assert.Equal(t, r.LightIntensity, got[1].LightIntensity)
	assert.True(t, got[1].IrrigationNeeded)
	assert.Equal(t, model.PlantHealth("Moderate Stress"), got[1].PlantHealth)

	lines := fileLines(t, path)
	assert.True(t, strings.HasSuffix(lines[2], ",1,Moderate Stress,ON"), lines[2])
}

func TestOpenTrimsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.csv")
	l, err := Open(path, 10, zap.NewNop())
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		require.NoError(t, l.Append(reading(i)))
	}
	require.NoError(t, l.Close())

	l, err = Open(path, 4, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []float64{3, 4, 5, 6}, moistures(slices.Collect(l.Read(10))))
	assert.Len(t, fileLines(t, path), 5)
}

func TestOpenEmptyFileWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	l, err := Open(path, 3, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Append(reading(1)))

	lines := fileLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
}

func TestOpenHeaderlessFileKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.csv")
	row := "2026-05-04T10:00:01Z,26,64,44,851,25,18,22,1,healthy,ON\n"
	require.NoError(t, os.WriteFile(path, []byte(row), 0o644))

	l, err := Open(path, 3, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []float64{44}, moistures(slices.Collect(l.Read(10))))
	lines := fileLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(Header, ","), lines[0])

	// a later ClearExcess finds nothing to repair
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, l.ClearExcess())
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOpenSkipsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor_data.csv")
	content := strings.Join([]string{
		strings.Join(Header, ","),
		"2026-05-04 10:00:00.123456,25.5,65.2,45.8,850.0,25,18,22,0,healthy,OFF",
		"garbage,row",
		"2026-05-04T10:00:01Z,bad,65,45,850,25,18,22,0,healthy,OFF",
		"2026-05-04T10:00:02Z,26,64,44,851,25,18,22,1,healthy",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l, err := Open(path, 10, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	got := slices.Collect(l.Read(10))
	require.Len(t, got, 2)
	assert.Equal(t, 850, got[0].LightIntensity)
	assert.True(t, got[1].IrrigationNeeded)

	// the file was rewritten without the broken rows
	assert.Len(t, fileLines(t, path), 3)
}

func TestClearExcessIsIdempotent(t *testing.T) {
	l := openLog(t, 5)
	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Append(reading(i)))
	}
	before, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	require.NoError(t, l.ClearExcess())
	require.NoError(t, l.ClearExcess())

	after, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestClearExcessRepairsDrift(t *testing.T) {
	l := openLog(t, 3)
	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Append(reading(i)))
	}

	// simulate an external writer appending behind our back
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2026-05-04T10:00:09Z,20,60,9,800,25,18,22,0,healthy,OFF\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Len(t, fileLines(t, l.Path()), 5)

	require.NoError(t, l.ClearExcess())
	assert.Len(t, fileLines(t, l.Path()), 4)
	assert.Equal(t, []float64{1, 2, 3}, moistures(slices.Collect(l.Read(10))))
}

func TestAppendAfterCloseFails(t *testing.T) {
	l := openLog(t, 3)
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Append(reading(1)), ErrStorage)
}

func TestConcurrentAppendAndRead(t *testing.T) {
	l := openLog(t, 20)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			assert.NoError(t, l.Append(reading(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			rows := slices.Collect(l.Read(50))
			assert.LessOrEqual(t, len(rows), 20)
			for j := 1; j < len(rows); j++ {
				assert.Less(t, rows[j-1].SoilMoisture, rows[j].SoilMoisture)
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, []float64{81, 82, 83, 84, 85, 86, 87, 88, 89, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100},
		moistures(slices.Collect(l.Read(20))))
}

func TestSyncDir(t *testing.T) {
	require.NoError(t, syncDir(t.TempDir()))
	require.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}
