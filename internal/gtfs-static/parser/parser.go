package parser

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/pkg/gtfs-static/models"
)

// ErrMissingFile is returned when a required GTFS file is absent from the source.
var ErrMissingFile = errors.New("required GTFS file missing")

// RequiredFiles are parsed in this order so that routes and trips are known
// before stop times reference them.
var RequiredFiles = []string{
	"routes.txt",
	"trips.txt",
	"stop_times.txt",
}

type Parser struct {
	logger logger.Logger
}

func New(logger logger.Logger) *Parser {
	return &Parser{logger: logger}
}

type ParseCallbacks struct {
	OnRoute        func(route *models.Route) error
	OnTrip         func(trip *models.Trip) error
	OnStopTime     func(stopTime *models.StopTime) error
	OnFileComplete func(fileName string, records int) error
}

// Parse reads a GTFS feed from either a directory or a .zip archive.
func (p *Parser) Parse(ctx context.Context, source string, callbacks ParseCallbacks) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("opening GTFS source: %w", err)
	}
	if info.IsDir() {
		return p.ParseFS(ctx, os.DirFS(source), callbacks)
	}
	return p.ParseZip(ctx, source, callbacks)
}

func (p *Parser) ParseZip(ctx context.Context, zipPath string, callbacks ParseCallbacks) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening zip file: %w", err)
	}
	defer reader.Close()

	p.logger.Info("Parsing GTFS zip file", "path", zipPath, "files", len(reader.File))
	return p.ParseFS(ctx, &reader.Reader, callbacks)
}

// ParseFS parses the required files from fsys. Any missing file fails the whole parse.
func (p *Parser) ParseFS(ctx context.Context, fsys fs.FS, callbacks ParseCallbacks) error {
	for _, name := range RequiredFiles {
		if _, err := fs.Stat(fsys, name); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingFile, name)
		}
	}

	for _, name := range RequiredFiles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.parseFile(fsys, name, callbacks); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
	}

	p.logger.Info("GTFS parsing completed successfully")
	return nil
}

func (p *Parser) parseFile(fsys fs.FS, name string, callbacks ParseCallbacks) error {
	f, err := fsys.Open(name)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // Variable number of fields
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	headerMap := make(map[string]int)
	for i, h := range header {
		// strip a UTF-8 BOM some exporters leave on the first column
		headerMap[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	if err := checkColumns(name, headerMap); err != nil {
		return err
	}

	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}

		switch name {
		case "routes.txt":
			if callbacks.OnRoute != nil {
				route, err := p.parseRoute(record, headerMap)
				if err != nil {
					return fmt.Errorf("record %d: %w", count+1, err)
				}
				if err := callbacks.OnRoute(route); err != nil {
					return err
				}
			}
		case "trips.txt":
			if callbacks.OnTrip != nil {
				if err := callbacks.OnTrip(p.parseTrip(record, headerMap)); err != nil {
					return err
				}
			}
		case "stop_times.txt":
			if callbacks.OnStopTime != nil {
				if err := callbacks.OnStopTime(p.parseStopTime(record, headerMap)); err != nil {
					return err
				}
			}
		}

		count++
		if count%100000 == 0 {
			p.logger.Debug("Progress", "file", name, "records", count)
		}
	}

	p.logger.Info("File parsed", "name", name, "records", count)

	if callbacks.OnFileComplete != nil {
		if err := callbacks.OnFileComplete(name, count); err != nil {
			return fmt.Errorf("file complete callback: %w", err)
		}
	}

	return nil
}

func checkColumns(name string, headerMap map[string]int) error {
	var required []string
	switch name {
	case "routes.txt":
		required = []string{"route_id", "route_type"}
	case "trips.txt":
		required = []string{"trip_id", "route_id"}
	case "stop_times.txt":
		required = []string{"trip_id", "stop_id"}
	}
	for _, col := range required {
		if _, ok := headerMap[col]; !ok {
			return fmt.Errorf("missing column %q", col)
		}
	}
	return nil
}

// Helper functions to safely get values from CSV records
func (p *Parser) getString(record []string, headerMap map[string]int, field string) string {
	if idx, ok := headerMap[field]; ok && idx < len(record) {
		return strings.TrimSpace(record[idx])
	}
	return ""
}

func (p *Parser) getInt(record []string, headerMap map[string]int, field string, defaultVal int) int {
	str := p.getString(record, headerMap, field)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	return val
}

func (p *Parser) parseRoute(record []string, headerMap map[string]int) (*models.Route, error) {
	raw := p.getString(record, headerMap, "route_type")
	routeType, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid route_type %q", raw)
	}
	return &models.Route{
		RouteID:        p.getString(record, headerMap, "route_id"),
		RouteShortName: p.getString(record, headerMap, "route_short_name"),
		RouteLongName:  p.getString(record, headerMap, "route_long_name"),
		RouteType:      routeType,
	}, nil
}

func (p *Parser) parseTrip(record []string, headerMap map[string]int) *models.Trip {
	return &models.Trip{
		TripID:    p.getString(record, headerMap, "trip_id"),
		RouteID:   p.getString(record, headerMap, "route_id"),
		ServiceID: p.getString(record, headerMap, "service_id"),
	}
}

func (p *Parser) parseStopTime(record []string, headerMap map[string]int) *models.StopTime {
	return &models.StopTime{
		TripID:        p.getString(record, headerMap, "trip_id"),
		StopID:        p.getString(record, headerMap, "stop_id"),
		StopSequence:  p.getInt(record, headerMap, "stop_sequence", 0),
		ArrivalTime:   p.getString(record, headerMap, "arrival_time"),
		DepartureTime: p.getString(record, headerMap, "departure_time"),
	}
}
