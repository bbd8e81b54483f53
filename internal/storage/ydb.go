package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap"

	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
)

// YDBSink persists records in three YDB tables keyed by timestamp
type YDBSink struct {
	db     *ydb.Driver
	prefix string
	logger logging.Logger
}

// NewYDBSink connects to the YDB database named by connectionString
func NewYDBSink(ctx context.Context, connectionString, tablePrefix string, logger logging.Logger) (*YDBSink, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if tablePrefix == "" {
		tablePrefix = "orcha"
	}

	db, err := ydb.Open(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}

	logger = logger.Named("storage")
	logger.Info(ctx, "Connected to YDB", zap.String("database", db.Name()), zap.String("prefix", tablePrefix))

	return &YDBSink{db: db, prefix: tablePrefix, logger: logger}, nil
}

func (s *YDBSink) metricsTable() string { return s.prefix + "_metrics" }
func (s *YDBSink) changesTable() string { return s.prefix + "_changes" }
func (s *YDBSink) alertsTable() string  { return s.prefix + "_alerts" }

func (s *YDBSink) pragma() string {
	return fmt.Sprintf("PRAGMA TablePathPrefix(%q);\n", s.db.Name())
}

// InitializeSchema creates the tables when they do not exist
func (s *YDBSink) InitializeSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts Timestamp,
			total_earnings Double,
			payload Utf8,
			PRIMARY KEY (ts)
		)`, s.metricsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts Timestamp,
			provider Utf8,
			old_allocation Double,
			new_allocation Double,
			reason Utf8,
			earnings_impact Double,
			PRIMARY KEY (ts, provider)
		)`, s.changesTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts Timestamp,
			id Utf8,
			type Utf8,
			provider_id Utf8,
			value Double,
			severity Double,
			message Utf8,
			acknowledged Bool,
			PRIMARY KEY (ts, id)
		)`, s.alertsTable()),
	}

	return s.db.Table().Do(ctx, func(ctx context.Context, session table.Session) error {
		for _, stmt := range statements {
			if err := session.ExecuteSchemeQuery(ctx, s.pragma()+stmt); err != nil {
				return fmt.Errorf("failed to execute schema statement: %w", err)
			}
		}
		return nil
	}, table.WithIdempotent())
}

func (s *YDBSink) exec(ctx context.Context, query string, params *table.QueryParameters) error {
	return s.db.Table().Do(ctx, func(ctx context.Context, session table.Session) error {
		_, res, err := session.Execute(ctx, table.DefaultTxControl(), s.pragma()+query, params)
		if err != nil {
			return err
		}
		return res.Close()
	}, table.WithIdempotent())
}

func (s *YDBSink) query(ctx context.Context, query string, params *table.QueryParameters, scan func(res result.Result) error) error {
	return s.db.Table().Do(ctx, func(ctx context.Context, session table.Session) error {
		_, res, err := session.Execute(ctx, table.OnlineReadOnlyTxControl(), s.pragma()+query, params)
		if err != nil {
			return err
		}
		defer res.Close()

		for res.NextResultSet(ctx) {
			for res.NextRow() {
				if err := scan(res); err != nil {
					return err
				}
			}
		}
		return res.Err()
	}, table.WithIdempotent())
}

func rangeParams(start, end time.Time) *table.QueryParameters {
	return table.NewQueryParameters(
		table.ValueParam("$start", types.TimestampValueFromTime(start)),
		table.ValueParam("$end", types.TimestampValueFromTime(end)),
	)
}

// SaveMetrics upserts one snapshot
func (s *YDBSink) SaveMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error {
	if metrics == nil {
		return nil
	}
	payload, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := fmt.Sprintf(`
		DECLARE $ts AS Timestamp;
		DECLARE $total AS Double;
		DECLARE $payload AS Utf8;
		UPSERT INTO %s (ts, total_earnings, payload) VALUES ($ts, $total, $payload);`, s.metricsTable())

	err = s.exec(ctx, query, table.NewQueryParameters(
		table.ValueParam("$ts", types.TimestampValueFromTime(metrics.Timestamp)),
		table.ValueParam("$total", types.DoubleValue(metrics.TotalEarningsPerHour)),
		table.ValueParam("$payload", types.UTF8Value(string(payload))),
	))
	if err != nil {
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

// SaveChanges upserts allocation changes
func (s *YDBSink) SaveChanges(ctx context.Context, changes []models.AllocationChange) error {
	query := fmt.Sprintf(`
		DECLARE $ts AS Timestamp;
		DECLARE $provider AS Utf8;
		DECLARE $old AS Double;
		DECLARE $new AS Double;
		DECLARE $reason AS Utf8;
		DECLARE $impact AS Double;
		UPSERT INTO %s (ts, provider, old_allocation, new_allocation, reason, earnings_impact)
		VALUES ($ts, $provider, $old, $new, $reason, $impact);`, s.changesTable())

	for _, c := range changes {
		err := s.exec(ctx, query, table.NewQueryParameters(
			table.ValueParam("$ts", types.TimestampValueFromTime(c.Timestamp)),
			table.ValueParam("$provider", types.UTF8Value(c.Provider)),
			table.ValueParam("$old", types.DoubleValue(c.OldAllocation)),
			table.ValueParam("$new", types.DoubleValue(c.NewAllocation)),
			table.ValueParam("$reason", types.UTF8Value(c.Reason)),
			table.ValueParam("$impact", types.DoubleValue(c.EarningsImpact)),
		))
		if err != nil {
			return fmt.Errorf("failed to save change for %s: %w", c.Provider, err)
		}
	}
	return nil
}

// SaveAlerts upserts alerts
func (s *YDBSink) SaveAlerts(ctx context.Context, alerts []models.Alert) error {
	query := fmt.Sprintf(`
		DECLARE $ts AS Timestamp;
		DECLARE $id AS Utf8;
		DECLARE $type AS Utf8;
		DECLARE $provider_id AS Utf8;
		DECLARE $value AS Double;
		DECLARE $severity AS Double;
		DECLARE $message AS Utf8;
		DECLARE $acknowledged AS Bool;
		UPSERT INTO %s (ts, id, type, provider_id, value, severity, message, acknowledged)
		VALUES ($ts, $id, $type, $provider_id, $value, $severity, $message, $acknowledged);`, s.alertsTable())

	for _, a := range alerts {
		err := s.exec(ctx, query, table.NewQueryParameters(
			table.ValueParam("$ts", types.TimestampValueFromTime(a.Timestamp)),
			table.ValueParam("$id", types.UTF8Value(a.ID)),
			table.ValueParam("$type", types.UTF8Value(string(a.Type))),
			table.ValueParam("$provider_id", types.UTF8Value(a.ProviderID)),
			table.ValueParam("$value", types.DoubleValue(a.Value)),
			table.ValueParam("$severity", types.DoubleValue(a.Severity)),
			table.ValueParam("$message", types.UTF8Value(a.Message)),
			table.ValueParam("$acknowledged", types.BoolValue(a.Acknowledged)),
		))
		if err != nil {
			return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
		}
	}
	return nil
}

// MetricsInRange returns snapshots within [start, end]
func (s *YDBSink) MetricsInRange(ctx context.Context, start, end time.Time) ([]models.AggregatedMetrics, error) {
	query := fmt.Sprintf(`
		DECLARE $start AS Timestamp;
		DECLARE $end AS Timestamp;
		SELECT payload FROM %s WHERE ts >= $start AND ts <= $end ORDER BY ts;`, s.metricsTable())

	out := []models.AggregatedMetrics{}
	err := s.query(ctx, query, rangeParams(start, end), func(res result.Result) error {
		var payload string
		if err := res.ScanNamed(named.OptionalWithDefault("payload", &payload)); err != nil {
			return err
		}
		var m models.AggregatedMetrics
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	return out, nil
}

// ChangesInRange returns allocation changes within [start, end]
func (s *YDBSink) ChangesInRange(ctx context.Context, start, end time.Time) ([]models.AllocationChange, error) {
	query := fmt.Sprintf(`
		DECLARE $start AS Timestamp;
		DECLARE $end AS Timestamp;
		SELECT ts, provider, old_allocation, new_allocation, reason, earnings_impact
		FROM %s WHERE ts >= $start AND ts <= $end ORDER BY ts, provider;`, s.changesTable())

	out := []models.AllocationChange{}
	err := s.query(ctx, query, rangeParams(start, end), func(res result.Result) error {
		var c models.AllocationChange
		if err := res.ScanNamed(
			named.OptionalWithDefault("ts", &c.Timestamp),
			named.OptionalWithDefault("provider", &c.Provider),
			named.OptionalWithDefault("old_allocation", &c.OldAllocation),
			named.OptionalWithDefault("new_allocation", &c.NewAllocation),
			named.OptionalWithDefault("reason", &c.Reason),
			named.OptionalWithDefault("earnings_impact", &c.EarningsImpact),
		); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	return out, nil
}

// AlertsInRange returns alerts within [start, end]
func (s *YDBSink) AlertsInRange(ctx context.Context, start, end time.Time) ([]models.Alert, error) {
	query := fmt.Sprintf(`
		DECLARE $start AS Timestamp;
		DECLARE $end AS Timestamp;
		SELECT ts, id, type, provider_id, value, severity, message, acknowledged
		FROM %s WHERE ts >= $start AND ts <= $end ORDER BY ts, id;`, s.alertsTable())

	out := []models.Alert{}
	err := s.query(ctx, query, rangeParams(start, end), func(res result.Result) error {
		var (
			a   models.Alert
			typ string
		)
		if err := res.ScanNamed(
			named.OptionalWithDefault("ts", &a.Timestamp),
			named.OptionalWithDefault("id", &a.ID),
			named.OptionalWithDefault("type", &typ),
			named.OptionalWithDefault("provider_id", &a.ProviderID),
			named.OptionalWithDefault("value", &a.Value),
			named.OptionalWithDefault("severity", &a.Severity),
			named.OptionalWithDefault("message", &a.Message),
			named.OptionalWithDefault("acknowledged", &a.Acknowledged),
		); err != nil {
			return err
		}
		a.Type = models.AlertType(typ)
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return out, nil
}

// Prune deletes records older than before from every table
func (s *YDBSink) Prune(ctx context.Context, before time.Time) error {
	for _, tbl := range []string{s.metricsTable(), s.changesTable(), s.alertsTable()} {
		query := fmt.Sprintf(`
			DECLARE $before AS Timestamp;
			DELETE FROM %s WHERE ts < $before;`, tbl)

		err := s.exec(ctx, query, table.NewQueryParameters(
			table.ValueParam("$before", types.TimestampValueFromTime(before)),
		))
		if err != nil {
			return fmt.Errorf("failed to prune %s: %w", tbl, err)
		}
	}

	s.logger.Debug(ctx, "Pruned YDB tables", zap.Time("before", before))
	return nil
}

// Close closes the driver. It is safe on a zero YDBSink.
func (s *YDBSink) Close() error {
	if s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.db.Close(ctx)
}
