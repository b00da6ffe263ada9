package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"suiverify.org/internal/attest"
)

const pgErrCheckViolation = "23514"

// Store persists DID records and verification history in Postgres.
type Store struct {
	db *sql.DB
}

var _ attest.RecordStore = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const recordColumns = `id, owner, payload_owner, subject_type, evidence_hash, signature_timestamp_ms, signature,
		version, digest, object_type, name, description, image_url, blob_id, minted_at_ms, expiry_epoch`

func (s *Store) FetchRecord(ctx context.Context, id string) (attest.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+recordColumns+` from did_records where id=$1`, strings.ToLower(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attest.Record{}, attest.ErrNotFound
	}
	if err != nil {
		return attest.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, owner string) ([]attest.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+`
		from did_records
		where lower(owner)=lower($1)
		order by id asc
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []attest.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertRecord inserts rec or replaces the stored copy when the incoming
// object version is not older.
func (s *Store) UpsertRecord(ctx context.Context, rec attest.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is required", attest.ErrMalformedRecord)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into did_records(`+recordColumns+`, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16, now())
		on conflict (id) do update set
			owner = excluded.owner,
			payload_owner = excluded.payload_owner,
			subject_type = excluded.subject_type,
			evidence_hash = excluded.evidence_hash,
			signature_timestamp_ms = excluded.signature_timestamp_ms,
			signature = excluded.signature,
			version = excluded.version,
			digest = excluded.digest,
			object_type = excluded.object_type,
			name = excluded.name,
			description = excluded.description,
			image_url = excluded.image_url,
			blob_id = excluded.blob_id,
			minted_at_ms = excluded.minted_at_ms,
			expiry_epoch = excluded.expiry_epoch,
			updated_at = now()
		where did_records.version <= excluded.version
	`,
		strings.ToLower(rec.ID), rec.Owner, rec.PayloadOwner, int16(rec.SubjectType), rec.EvidenceHash,
		int64(rec.SignatureTimestampMs), rec.Signature, int64(rec.Version), rec.Digest, rec.ObjectType,
		rec.Name, rec.Description, rec.ImageURL, rec.BlobID, int64(rec.MintedAtMs), int64(rec.ExpiryEpoch),
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
		return fmt.Errorf("%w: %s", attest.ErrMalformedRecord, pgErr.Message)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (attest.Record, error) {
	var (
		rec                              attest.Record
		subject                          int16
		ts, version, minted, expiry      int64
		payloadOwner, digest, objectType sql.NullString
		name, desc, imageURL, blobID     sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &payloadOwner, &subject, &rec.EvidenceHash, &ts, &rec.Signature,
		&version, &digest, &objectType, &name, &desc, &imageURL, &blobID, &minted, &expiry); err != nil {
		return attest.Record{}, err
	}
	rec.PayloadOwner = payloadOwner.String
	rec.SubjectType = attest.SubjectType(subject)
	rec.SignatureTimestampMs = uint64(ts)
	rec.Version = uint64(version)
	rec.Digest = digest.String
	rec.ObjectType = objectType.String
	rec.Name = name.String
	rec.Description = desc.String
	rec.ImageURL = imageURL.String
	rec.BlobID = blobID.String
	rec.MintedAtMs = uint64(minted)
	rec.ExpiryEpoch = uint64(expiry)
	return rec, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
