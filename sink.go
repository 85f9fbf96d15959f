// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Result destinations:
//
//	-                     stdout (CSV)
//	PATH[.gz]             local file; .tsv/.txt for TSV, .gz compressed
//	sqlite:PATH[#TABLE]   table (default "associations") in a sqlite database
//	s3://BUCKET/KEY[.gz]  object in an S3-compatible store
//
// S3 endpoints are configured with the usual AWS environment
// variables plus SCREENASSOC_S3_REGION, SCREENASSOC_S3_ENDPOINT and
// SCREENASSOC_S3_PATH_STYLE (for MinIO and similar).
const defaultSQLiteTable = "associations"

var sqlIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func parseSQLiteDest(dest string) (path, table string, err error) {
	path = strings.TrimPrefix(dest, "sqlite:")
	table = defaultSQLiteTable
	if i := strings.LastIndex(path, "#"); i >= 0 {
		path, table = path[:i], path[i+1:]
	}
	if path == "" {
		return "", "", configErrorf("sqlite destination %q: no database path", dest)
	}
	if !sqlIdentRe.MatchString(table) {
		return "", "", configErrorf("sqlite destination %q: invalid table name %q", dest, table)
	}
	return path, table, nil
}

func parseS3Dest(dest string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(dest, "s3://")
	i := strings.Index(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", configErrorf("s3 destination %q: expected s3://bucket/key", dest)
	}
	return rest[:i], rest[i+1:], nil
}

// WriteResults writes records, in order, to dest.
func WriteResults(ctx context.Context, dest string, records []Record, stdout io.Writer) error {
	switch {
	case dest == "-" || dest == "":
		return WriteTable(stdout, records, outputFormatCSV)
	case strings.HasPrefix(dest, "sqlite:"):
		path, table, err := parseSQLiteDest(dest)
		if err != nil {
			return err
		}
		return writeSQLite(ctx, path, table, records)
	case strings.HasPrefix(dest, "s3://"):
		bucket, key, err := parseS3Dest(dest)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := encodeTable(&buf, key, records); err != nil {
			return err
		}
		return putS3(ctx, bucket, key, &buf)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<20)
	if err := encodeTable(bufw, dest, records); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	log.Infof("wrote %d records to %s", len(records), dest)
	return f.Close()
}

// encodeTable writes the table in the format implied by name,
// compressing it if name ends in ".gz".
func encodeTable(w io.Writer, name string, records []Record) error {
	if !strings.HasSuffix(name, ".gz") {
		return WriteTable(w, records, formatFor(name))
	}
	gzw := pgzip.NewWriter(w)
	if err := WriteTable(gzw, records, formatFor(name)); err != nil {
		gzw.Close()
		return err
	}
	return gzw.Close()
}

// ReadResults reads records from a destination written by
// WriteResults. The stdout destination cannot be read back.
func ReadResults(ctx context.Context, src string) ([]Record, error) {
	switch {
	case src == "-" || src == "":
		return nil, configErrorf("cannot read results from stdout")
	case strings.HasPrefix(src, "sqlite:"):
		path, table, err := parseSQLiteDest(src)
		if err != nil {
			return nil, err
		}
		return readSQLite(ctx, path, table)
	case strings.HasPrefix(src, "s3://"):
		bucket, key, err := parseS3Dest(src)
		if err != nil {
			return nil, err
		}
		body, err := getS3(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		var r io.Reader = body
		if strings.HasSuffix(key, ".gz") {
			gzr, err := pgzip.NewReader(body)
			if err != nil {
				return nil, err
			}
			defer gzr.Close()
			r = gzr
		}
		return ReadTable(r, formatFor(key))
	}
	f, err := zopen(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := ReadTable(f, formatFor(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return records, nil
}

func nullable(x float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: x, Valid: !math.IsNaN(x)}
}

func fromNullable(x sql.NullFloat64) float64 {
	if !x.Valid {
		return math.NaN()
	}
	return x.Float64
}

// writeSQLite replaces table with records. Row order is kept in the
// "position" column.
func writeSQLite(ctx context.Context, path, table string, records []Record) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE TABLE `+table+` (
		position INTEGER PRIMARY KEY,
		predictor_id TEXT NOT NULL,
		response_id TEXT NOT NULL,
		beta REAL,
		standard_error REAL,
		pvalue REAL,
		qvalue REAL,
		target_distance TEXT NOT NULL,
		strategy TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+table+` VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range records {
		_, err := stmt.ExecContext(ctx, i, r.PredictorID, r.ResponseID,
			nullable(r.Beta), nullable(r.StdErr), nullable(r.PValue), nullable(r.QValue),
			r.Distance.String(), string(r.Strategy))
		if err != nil {
			return fmt.Errorf("inserting record %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Infof("wrote %d records to sqlite %s table %s", len(records), path, table)
	return nil
}

func readSQLite(ctx context.Context, path, table string) ([]Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.QueryContext(ctx, `SELECT predictor_id, response_id, beta, standard_error, pvalue, qvalue, target_distance, strategy FROM `+table+` ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var r Record
		var beta, se, p, q sql.NullFloat64
		var dist, strategy string
		if err := rows.Scan(&r.PredictorID, &r.ResponseID, &beta, &se, &p, &q, &dist, &strategy); err != nil {
			return nil, err
		}
		r.Beta, r.StdErr, r.PValue, r.QValue = fromNullable(beta), fromNullable(se), fromNullable(p), fromNullable(q)
		r.Distance, err = ParseDistance(dist)
		if err != nil {
			return nil, err
		}
		r.Strategy = Strategy(strategy)
		r.Excluded = math.IsNaN(r.PValue)
		records = append(records, r)
	}
	return records, rows.Err()
}

func s3Client(ctx context.Context) (*s3.Client, error) {
	region := os.Getenv("SCREENASSOC_S3_REGION")
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	endpoint := os.Getenv("SCREENASSOC_S3_ENDPOINT")
	pathStyle := strings.EqualFold(os.Getenv("SCREENASSOC_S3_PATH_STYLE"), "true")
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func putS3(ctx context.Context, bucket, key string, body *bytes.Buffer) error {
	client, err := s3Client(ctx)
	if err != nil {
		return err
	}
	size := int64(body.Len())
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body.Bytes()),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	log.Infof("wrote %d bytes to s3://%s/%s", size, bucket, key)
	return nil
}

func getS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	client, err := s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
