package vpngate

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Fixed field positions of the feed's comma-separated records.
const (
	fieldHostName = iota
	fieldIP
	fieldScore
	fieldPing
	fieldSpeed
	fieldCountryName
	fieldCountryCode
	fieldSessions
	fieldUptime
	fieldTotalUsers
	fieldTotalTraffic
	fieldLogType
	fieldOperator
	fieldMessage
	fieldConfigData

	// fieldsNum is the minimum number of fields a data row must have.
	fieldsNum
)

// Errors returned by [parseRow].
const (
	errFieldCount   errors.Error = "wrong field count"
	errEmptyProfile errors.Error = "connection profile is empty"
)

// parseFeed reads the whole feed from r and returns the candidates parsed
// from its well-formed rows.  Comment and header rows are skipped silently,
// malformed data rows with a debug log.
func (d *Directory) parseFeed(ctx context.Context, r io.Reader) (cands []Candidate, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	for {
		rec, readErr := cr.Read()
		if readErr == io.EOF {
			break
		} else if readErr != nil {
			// The feed is plain comma-separated text, so a reader error here
			// means the response itself is broken.
			return nil, readErr
		}

		if len(rec) == 0 || isComment(rec[0]) {
			continue
		}

		c, parseErr := parseRow(rec)
		if parseErr != nil {
			d.logger.DebugContext(
				ctx,
				"skipping malformed row",
				"host", rec[fieldHostName],
				slogutil.KeyError, parseErr,
			)

			continue
		}

		cands = append(cands, c)
	}

	return cands, nil
}

// isComment returns true if a row starting with field is a comment or header
// row of the feed.
func isComment(field string) (ok bool) {
	return strings.HasPrefix(field, "#") || strings.HasPrefix(field, "*")
}

// parseRow converts one feed record into a Candidate.  Numeric fields must
// actually be numeric, score and latency must not be negative, and the
// connection profile, when present, must decode to a non-empty
// configuration.
func parseRow(rec []string) (c Candidate, err error) {
	if len(rec) < fieldsNum {
		return Candidate{}, errFieldCount
	}

	c = Candidate{
		HostName:    rec[fieldHostName],
		CountryName: rec[fieldCountryName],
		CountryCode: rec[fieldCountryCode],
		Operator:    rec[fieldOperator],
		Message:     rec[fieldMessage],
		ConfigData:  rec[fieldConfigData],
	}

	c.IP, err = netip.ParseAddr(rec[fieldIP])
	if err != nil {
		return Candidate{}, fmt.Errorf("address: %w", err)
	}

	c.Score, err = parseCounter("score", rec[fieldScore])
	if err != nil {
		return Candidate{}, err
	}

	ping, err := parseCounter("ping", rec[fieldPing])
	if err != nil {
		return Candidate{}, err
	}
	c.Latency = time.Duration(ping) * time.Millisecond

	c.Speed, err = parseCounter("speed", rec[fieldSpeed])
	if err != nil {
		return Candidate{}, err
	}

	c.Sessions, err = parseCounter("sessions", rec[fieldSessions])
	if err != nil {
		return Candidate{}, err
	}

	uptime, err := parseCounter("uptime", rec[fieldUptime])
	if err != nil {
		return Candidate{}, err
	}
	c.Uptime = time.Duration(uptime) * time.Millisecond

	c.TotalUsers, err = parseCounter("total users", rec[fieldTotalUsers])
	if err != nil {
		return Candidate{}, err
	}

	c.TotalTraffic, err = parseCounter("total traffic", rec[fieldTotalTraffic])
	if err != nil {
		return Candidate{}, err
	}

	if c.ConfigData != "" {
		profile, decErr := base64.StdEncoding.DecodeString(c.ConfigData)
		if decErr != nil {
			return Candidate{}, fmt.Errorf("connection profile: %w", decErr)
		} else if len(profile) == 0 {
			return Candidate{}, errEmptyProfile
		}
	}

	return c, nil
}

// parseCounter parses a non-negative numeric feed field named name.
func parseCounter(name, s string) (n int64, err error) {
	n, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	} else if n < 0 {
		return 0, fmt.Errorf("%s: negative value %d", name, n)
	}

	return n, nil
}
