package engine

import (
	"fmt"
	"net/http"
	"time"

	"terrastream.ai/internal/fetch"
	"terrastream.ai/internal/fetch/s3"
	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/tuning"
)

// BuildSource assembles the tile source described by spec. Opened
// databases are returned so the caller can close them.
func BuildSource(spec tuning.Source) (fetch.Source, []*tiledb.DB, error) {
	var (
		src fetch.Source
		dbs []*tiledb.DB
	)
	switch spec.Kind {
	case "http":
		tmpl, err := fetch.NewTemplate(spec.URLFormat, spec.APIKey)
		if err != nil {
			return nil, nil, err
		}
		client := &http.Client{Timeout: time.Duration(spec.TimeoutMs) * time.Millisecond}
		src = fetch.NewHTTPSource(tmpl, client)
	case "s3":
		tmpl, err := fetch.NewTemplate(spec.URLFormat, spec.APIKey)
		if err != nil {
			return nil, nil, err
		}
		c, err := s3.New(spec.S3.Endpoint, spec.S3.Bucket, spec.S3.Region, spec.S3.AccessKeyID, spec.S3.SecretAccessKey)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 source: %w", err)
		}
		src = s3.NewSource(c, tmpl)
	case "mbtiles":
		db, err := tiledb.Open(spec.MBTilesPath, tiledb.Options{ReadOnly: true})
		if err != nil {
			return nil, nil, fmt.Errorf("mbtiles source: %w", err)
		}
		return fetch.NewMBTilesSource(db), []*tiledb.DB{db}, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q", spec.Kind)
	}

	if spec.CachePath != "" {
		db, err := tiledb.Open(spec.CachePath, tiledb.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("tile cache: %w", err)
		}
		dbs = append(dbs, db)
		src = fetch.NewCachedSource(src, db)
	}
	return src, dbs, nil
}
