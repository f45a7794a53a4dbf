// Package benchutil generates synthetic MAUDE archives for tests and benchmarks.
package benchutil

import (
	"archive/zip"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// BenchmarkSeed is the default seed for reproducible data generation.
const BenchmarkSeed = 42

// MasterHeader is a reduced master (mdrfoi) header.
var MasterHeader = []string{"MDR_REPORT_KEY", "EVENT_KEY", "REPORT_NUMBER", "DATE_RECEIVED", "EVENT_TYPE", "MANUFACTURER_NAME"}

// DeviceHeader is a reduced device header.
var DeviceHeader = []string{"MDR_REPORT_KEY", "DEVICE_EVENT_KEY", "DATE_RECEIVED", "BRAND_NAME", "GENERIC_NAME", "DEVICE_REPORT_PRODUCT_CODE"}

// Row is one generated line, field by field.
type Row []string

// Line joins the row with the MAUDE delimiter.
func (r Row) Line() string {
	return strings.Join(r, "|")
}

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	// RowsPerYear is the number of rows generated for each year.
	RowsPerYear int
	// Years are the DATE_RECEIVED years to spread rows over.
	Years []int
	// Seed for reproducible generation. 0 = use BenchmarkSeed.
	Seed int64
}

// Generator produces MAUDE-like rows.
type Generator struct {
	cfg     GeneratorConfig
	rng     *rand.Rand
	nextKey int64
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed)), nextKey: 1000000}
}

var (
	eventTypes    = []string{"M", "IN", "D", "O", ""}
	manufacturers = []string{"ACME MEDICAL", "SOCIÉTÉ GÉNÉRALE DE SANTÉ", "MEDTRONIC", "BAXTER", "ZIMMER"}
	productCodes  = []string{"LZG", "DXN", "FRN", "MAF", "QBJ"}
)

func (g *Generator) date(year int) string {
	month := g.rng.Intn(12) + 1
	day := g.rng.Intn(28) + 1
	return fmt.Sprintf("%02d/%02d/%d", month, day, year)
}

// MasterRows generates master rows ordered by key, interleaving years the
// way a cumulative archive does.
func (g *Generator) MasterRows() []Row {
	var rows []Row
	for i := 0; i < g.cfg.RowsPerYear; i++ {
		for _, y := range g.cfg.Years {
			g.nextKey++
			rows = append(rows, Row{
				fmt.Sprint(g.nextKey),
				fmt.Sprint(g.nextKey + 7),
				fmt.Sprintf("%07d-%d-%05d", g.rng.Intn(9999999), y, i),
				g.date(y),
				eventTypes[g.rng.Intn(len(eventTypes))],
				manufacturers[g.rng.Intn(len(manufacturers))],
			})
		}
	}
	return rows
}

// DeviceRows generates device rows for one year.
func (g *Generator) DeviceRows(year int) []Row {
	rows := make([]Row, 0, g.cfg.RowsPerYear)
	for i := 0; i < g.cfg.RowsPerYear; i++ {
		g.nextKey++
		rows = append(rows, Row{
			fmt.Sprint(g.nextKey),
			fmt.Sprint(g.rng.Intn(1 << 20)),
			g.date(year),
			fmt.Sprintf(" Brand %d ", i),
			"PUMP, INFUSION",
			productCodes[g.rng.Intn(len(productCodes))],
		})
	}
	return rows
}

// ArchiveSpec describes a zip to write.
type ArchiveSpec struct {
	// Member is the name of the text entry inside the zip.
	Member string
	// Header is written as the first line unless nil.
	Header []string
	// Lines are raw data lines; Rows are joined and appended after them.
	Lines []string
	Rows  []Row
	// CRLF terminates lines with \r\n.
	CRLF bool
}

// WriteArchive writes a latin-1 encoded MAUDE zip to dir/name and returns its path.
func WriteArchive(dir, name string, spec ArchiveSpec) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	member := spec.Member
	if member == "" {
		member = strings.TrimSuffix(name, ".zip") + ".txt"
	}
	w, err := zw.Create(member)
	if err != nil {
		return "", fmt.Errorf("create member: %w", err)
	}
	enc := charmap.ISO8859_1.NewEncoder().Writer(w)

	eol := "\n"
	if spec.CRLF {
		eol = "\r\n"
	}
	lines := make([]string, 0, len(spec.Lines)+len(spec.Rows)+1)
	if spec.Header != nil {
		lines = append(lines, strings.Join(spec.Header, "|"))
	}
	lines = append(lines, spec.Lines...)
	for _, r := range spec.Rows {
		lines = append(lines, r.Line())
	}
	for _, l := range lines {
		if _, err := enc.Write([]byte(l + eol)); err != nil {
			return "", fmt.Errorf("write line: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zip: %w", err)
	}
	return path, f.Close()
}

// ArchiveBytes is like WriteArchive but returns the zip content.
func ArchiveBytes(dir, name string, spec ArchiveSpec) ([]byte, error) {
	path, err := WriteArchive(dir, name, spec)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
