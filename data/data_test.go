package data

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

func TestSniffDelimiter(t *testing.T) {
	tests := []struct {
		name string
		text string
		want rune
	}{
		{"comma", "a,b,c\n1,2,3\n", ','},
		{"semicolon with decimal commas", "a;b;c\n1,5;2,5;3\n4;5;6\n", ';'},
		{"tab", "a\tb\n1\t2\n", '\t'},
		{"pipe", "a|b|c\n1|2|3", '|'},
		{"single column", "a\n1\n", ','},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab, err := ReadTable(strings.NewReader(tt.text))
			require.NoError(t, err)
			assert.Equal(t, tt.want, tab.Delimiter)
		})
	}
}

func TestReadTable(t *testing.T) {
	tab, err := ReadTable(strings.NewReader("\xef\xbb\xbfId; m1 ;m2\r\ns1;1.5;NA\r\ns2;2;3\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "m1", "m2"}, tab.Header)
	require.Len(t, tab.Rows, 2)
	assert.Equal(t, "NA", tab.Value(0, "m2"))

	_, err = ReadTable(strings.NewReader("a,a\n1,2\n"))
	var di *errors.DataIntegrityError
	assert.True(t, errors.As(err, &di), "duplicate header")

	_, err = ReadTable(strings.NewReader("a,b\n1,2,3\n"))
	assert.True(t, errors.As(err, &di), "ragged rows")

	_, err = ReadTable(strings.NewReader(""))
	assert.Error(t, err)
}

func TestParseFloat(t *testing.T) {
	for _, s := range []string{"", "NA", " nan ", "NaN", "null"} {
		v, err := ParseFloat(s)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(v), "%q", s)
	}
	v, err := ParseFloat(" 1e-3 ")
	require.NoError(t, err)
	assert.Equal(t, 1e-3, v)
	_, err = ParseFloat("abc")
	assert.Error(t, err)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

const (
	dataCSV = `Id,m1,m2
s1,1,10
s2,2,
s3,3,30
s4,4,40
s5,5,50
s6,6,60
`
	metaTSV = "Id\tShape\tSubject\tAge\tSite\n" +
		"s6\tround\tp3\t60\tA\n" +
		"s1\tflat\tp1\t30\tA\n" +
		"s2\tflat\tp1\t31\tA\n" +
		"s3\tround\tp2\t40\tB\n" +
		"s4\tround\tp2\t41\tA\n" +
		"s7\tflat\tp4\t50\tA\n"
)

func TestLoaderBinary(t *testing.T) {
	dir := t.TempDir()
	logger, _ := log.NewTestLogger(log.LevelDebug)
	ld, err := NewLoader(Source{
		DataPath:       writeFile(t, dir, "data.csv", dataCSV),
		MetadataPath:   writeFile(t, dir, "meta.tsv", metaTSV),
		IDColumn:       "Id",
		TargetColumn:   "Shape",
		PairingColumn:  "Subject",
		FeatureColumns: []string{"Age"},
	}, WithLogger(logger))
	require.NoError(t, err)

	ds, err := ld.Load(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"s6", "s1", "s2", "s3", "s4", "s7"}, ds.IDs, "metadata order")
	assert.Equal(t, []string{"round", "flat", "flat", "round", "round", "flat"}, ds.Y)
	assert.Equal(t, []string{"p3", "p1", "p1", "p2", "p2", "p4"}, ds.Groups)
	assert.Equal(t, []string{"m1", "m2", "Age"}, ds.Features)
	assert.Nil(t, ds.Pairs)
	assert.Equal(t, [2]string{"round", "flat"}, ds.Pair)

	r, c := ds.X.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 6.0, ds.X.At(0, 0))
	assert.Equal(t, 60.0, ds.X.At(0, 2))
	assert.True(t, math.IsNaN(ds.X.At(2, 1)), "empty cell")
	assert.True(t, math.IsNaN(ds.X.At(5, 0)), "s7 has no data row")
	assert.Equal(t, 50.0, ds.X.At(5, 2), "metadata features are still read")
	assert.True(t, logger.ContainsMessage("metadata rows without data; features left missing"))
}

func TestLoaderSubsetAndErrors(t *testing.T) {
	dir := t.TempDir()
	src := Source{
		DataPath:     writeFile(t, dir, "data.csv", dataCSV),
		MetadataPath: writeFile(t, dir, "meta.tsv", metaTSV),
		IDColumn:     "Id",
		TargetColumn: "Shape",
		Subset:       map[string][]string{"Site": {"A"}},
	}
	ld, err := NewLoader(src)
	require.NoError(t, err)
	ds, err := ld.Load(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"s6", "s1", "s2", "s4", "s7"}, ds.IDs)

	bad := []Source{
		func() Source { s := src; s.Subset = map[string][]string{"Nope": {"x"}}; return s }(),
		func() Source { s := src; s.TargetColumn = "Nope"; return s }(),
		func() Source { s := src; s.IDColumn = ""; return s }(),
		func() Source { s := src; s.PairingColumn = "Nope"; return s }(),
		func() Source { s := src; s.FeatureColumns = []string{"Nope"}; return s }(),
	}
	for i, s := range bad {
		_, err := NewLoader(s)
		var cfgErr *errors.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "case %d: %v", i, err)
	}

	_, err = NewLoader(Source{DataPath: filepath.Join(dir, "missing.csv"), MetadataPath: src.MetadataPath, IDColumn: "Id", TargetColumn: "Shape"})
	assert.Error(t, err)
}

func TestLoaderInconsistentGroup(t *testing.T) {
	dir := t.TempDir()
	meta := strings.Replace(metaTSV, "s3\tround\tp2", "s3\tround\tp1", 1)
	ld, err := NewLoader(Source{
		DataPath:      writeFile(t, dir, "data.csv", dataCSV),
		MetadataPath:  writeFile(t, dir, "meta.tsv", meta),
		IDColumn:      "Id",
		TargetColumn:  "Shape",
		PairingColumn: "Subject",
	})
	require.NoError(t, err)
	_, err = ld.Load(0)
	var di *errors.DataIntegrityError
	assert.True(t, errors.As(err, &di))
}

func TestLoaderConditionPairs(t *testing.T) {
	dir := t.TempDir()
	meta := "Id,Group\ns1,a\ns2,b\ns3,c\ns4,a\ns5,b\ns6,c\n"
	ld, err := NewLoader(Source{
		DataPath:     writeFile(t, dir, "data.csv", dataCSV),
		MetadataPath: writeFile(t, dir, "meta.csv", meta),
		IDColumn:     "Id",
		TargetColumn: "Group",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ld.Conditions())

	ds, err := ld.Load(1)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"a", "b"}, {"a", "c"}, {"b", "c"}}, ds.Pairs)
	assert.Equal(t, [2]string{"a", "c"}, ds.Pair)
	assert.Equal(t, []string{"s1", "s3", "s4", "s6"}, ds.IDs)
	assert.Equal(t, []string{"a", "c", "a", "c"}, ds.Y)

	_, err = ld.Load(3)
	var cfgErr *errors.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestLoaderTooManyConditions(t *testing.T) {
	var b strings.Builder
	b.WriteString("Id,Group\n")
	var d strings.Builder
	d.WriteString("Id,m1\n")
	for i := 0; i < 11; i++ {
		id := string(rune('a' + i))
		b.WriteString("s" + id + ",g" + id + "\n")
		d.WriteString("s" + id + ",1\n")
	}
	dir := t.TempDir()
	ld, err := NewLoader(Source{
		DataPath:     writeFile(t, dir, "data.csv", d.String()),
		MetadataPath: writeFile(t, dir, "meta.csv", b.String()),
		IDColumn:     "Id",
		TargetColumn: "Group",
	})
	require.NoError(t, err)
	_, err = ld.Load(0)
	var cfgErr *errors.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCheckGroups(t *testing.T) {
	assert.NoError(t, CheckGroups([]string{"a", "a", "b"}, []string{"g1", "g1", "g2"}))
	assert.Error(t, CheckGroups([]string{"a", "b"}, []string{"g1", "g1"}))
	assert.Error(t, CheckGroups([]string{"a"}, nil))
}
