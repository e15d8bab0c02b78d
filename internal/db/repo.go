package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"care-companion/pkg"

	"github.com/google/uuid"
)

// Repository wraps database operations for clinics, users and chats.
// A single postgres database backs all of it.
type Repository struct {
	DB *sql.DB

	mu              sync.Mutex
	defaultClinicID string
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// EnsureDefaultClinic returns the id of the default clinic, creating it on
// first use.  The id is memoized after the first successful lookup so
// request paths do not repeat the lookup-or-create round trip.
func (r *Repository) EnsureDefaultClinic(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultClinicID != "" {
		return r.defaultClinicID, nil
	}
	var id string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id FROM clinic ORDER BY created_at ASC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid.New().String()
		_, err = r.DB.ExecContext(ctx,
			`INSERT INTO clinic (id, name) VALUES ($1, $2)`, id, "General Clinic")
	}
	if err != nil {
		return "", err
	}
	r.defaultClinicID = id
	return id, nil
}

// EnsureNurseUser creates the seed nurse account if it does not exist yet.
// The PIN is already hashed by the caller.
func (r *Repository) EnsureNurseUser(ctx context.Context, username, pinHash string) (*pkg.User, error) {
	existing, err := r.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	clinicID, err := r.EnsureDefaultClinic(ctx)
	if err != nil {
		return nil, err
	}
	u := &pkg.User{
		ID:       uuid.New().String(),
		Username: username,
		Role:     pkg.RoleNurse,
		ClinicID: &clinicID,
	}
	err = r.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, username, role, clinic_id, pin_hash)
         VALUES ($1, $2, 'nurse', $3, $4)
         RETURNING created_at, updated_at`,
		u.ID, u.Username, clinicID, pinHash,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.PinHash = pinHash
	return u, nil
}

// GetUserByUsername returns the user or nil when no account exists.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*pkg.User, error) {
	return r.getUser(ctx, `WHERE username = $1`, username)
}

// GetUserByID returns the user or nil when no account exists.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*pkg.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

func (r *Repository) getUser(ctx context.Context, where string, arg any) (*pkg.User, error) {
	var u pkg.User
	var pinHash sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, username, role, clinic_id, pin_hash, created_at, updated_at
         FROM users `+where+` LIMIT 1`, arg,
	).Scan(&u.ID, &u.Username, &u.Role, &u.ClinicID, &pinHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.PinHash = pinHash.String
	return &u, nil
}

// CreatePatientParams carries everything needed to open a patient account.
type CreatePatientParams struct {
	Username    string
	PinHash     string
	ClinicID    *string
	Diseases    pkg.FlexValue
	Medications pkg.FlexValue
	Religion    *string
	Family      pkg.FlexValue
	Preferences pkg.FlexValue
}

// CreatePatientAccount creates the user, profile and status rows in one
// transaction, matching the invariant that a patient always has an
// identity while profile fields default to unset.
func (r *Repository) CreatePatientAccount(ctx context.Context, p CreatePatientParams) (userID, profileID string, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	userID = uuid.New().String()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, username, role, clinic_id, pin_hash)
         VALUES ($1, $2, 'patient', $3, $4)`,
		userID, p.Username, p.ClinicID, p.PinHash); err != nil {
		return "", "", fmt.Errorf("insert user: %w", err)
	}

	profileID = uuid.New().String()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO patient_profile (id, user_id, clinic_id, diseases, medications, religion, family, preferences)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		profileID, userID, p.ClinicID,
		flexArg(p.Diseases), flexArg(p.Medications), p.Religion,
		flexArg(p.Family), flexArg(p.Preferences)); err != nil {
		return "", "", fmt.Errorf("insert profile: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO patient_status (id, patient_profile_id) VALUES ($1, $2)`,
		uuid.New().String(), profileID); err != nil {
		return "", "", fmt.Errorf("insert status: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", "", err
	}
	return userID, profileID, nil
}

// ProfileUpdate holds the editable profile fields.  Absent FlexValues and
// nil pointers clear the column, matching the nurse form semantics where
// the whole profile is submitted at once.
type ProfileUpdate struct {
	Diseases    pkg.FlexValue
	Medications pkg.FlexValue
	Religion    *string
	Family      pkg.FlexValue
	Preferences pkg.FlexValue
}

// UpdatePatientProfile replaces the profile fields for a patient.
func (r *Repository) UpdatePatientProfile(ctx context.Context, userID string, p ProfileUpdate) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE patient_profile
         SET diseases = $1, medications = $2, religion = $3, family = $4, preferences = $5, updated_at = NOW()
         WHERE user_id = $6`,
		flexArg(p.Diseases), flexArg(p.Medications), p.Religion,
		flexArg(p.Family), flexArg(p.Preferences), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no profile for user %s", userID)
	}
	return nil
}

// StatusUpdate holds the editable status fields.
type StatusUpdate struct {
	LastMood     *string
	MedsSignal   pkg.MedsSignal
	Concerns     pkg.FlexValue
	DailySummary *string
}

// UpdatePatientStatus records a check-in for a patient: mood, medication
// signal, concerns and the daily summary.
func (r *Repository) UpdatePatientStatus(ctx context.Context, userID string, s StatusUpdate) error {
	signal := s.MedsSignal
	if signal == "" {
		signal = pkg.MedsUnknown
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE patient_status ps
         SET last_mood = $1, meds_signal = $2, concerns = $3, daily_summary = $4,
             daily_summary_date = CASE WHEN $4::text IS NULL THEN ps.daily_summary_date ELSE NOW() END,
             last_check_in_at = NOW(), updated_at = NOW()
         FROM patient_profile pp
         WHERE ps.patient_profile_id = pp.id AND pp.user_id = $5`,
		s.LastMood, string(signal), flexArg(s.Concerns), s.DailySummary, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no status for user %s", userID)
	}
	return nil
}

// TouchPatientActivity stamps last_active_at for a patient.
func (r *Repository) TouchPatientActivity(ctx context.Context, userID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE patient_status ps
         SET last_active_at = $1, updated_at = NOW()
         FROM patient_profile pp
         WHERE ps.patient_profile_id = pp.id AND pp.user_id = $2`,
		at, userID)
	return err
}

// DeleteUser removes a patient account; profile, status and chats cascade.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1 AND role = 'patient'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no patient %s", id)
	}
	return nil
}

// GetPatientsForSelector returns every patient of a clinic with whatever
// profile and status rows exist.  Missing rows leave the corresponding
// pointer nil rather than erroring.
func (r *Repository) GetPatientsForSelector(ctx context.Context, clinicID string) ([]pkg.PatientForSelector, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT u.id, u.username,
                pp.id, pp.diseases, pp.medications, pp.religion, pp.family, pp.preferences,
                ps.id, ps.last_active_at, ps.last_mood, ps.meds_signal, ps.concerns,
                ps.last_check_in_at, ps.daily_summary
         FROM users u
         LEFT JOIN patient_profile pp ON pp.user_id = u.id
         LEFT JOIN patient_status ps ON ps.patient_profile_id = pp.id
         WHERE u.role = 'patient' AND u.clinic_id = $1
         ORDER BY u.username ASC`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []pkg.PatientForSelector
	for rows.Next() {
		var (
			p                                       pkg.PatientForSelector
			profileID, statusID                     sql.NullString
			diseases, medications, family, prefs    []byte
			religion, lastMood, medsSignal, summary sql.NullString
			concerns                                []byte
			lastActiveAt, lastCheckInAt             sql.NullTime
		)
		if err := rows.Scan(
			&p.UserID, &p.Username,
			&profileID, &diseases, &medications, &religion, &family, &prefs,
			&statusID, &lastActiveAt, &lastMood, &medsSignal, &concerns,
			&lastCheckInAt, &summary,
		); err != nil {
			return nil, err
		}
		if profileID.Valid {
			profile := &pkg.PatientProfile{ID: profileID.String, UserID: p.UserID}
			profile.Diseases = scanFlex(diseases)
			profile.Medications = scanFlex(medications)
			if religion.Valid && religion.String != "" {
				profile.Religion = &religion.String
			}
			profile.Family = scanFlex(family)
			profile.Preferences = scanFlex(prefs)
			p.Profile = profile
		}
		if statusID.Valid {
			status := &pkg.PatientStatus{ID: statusID.String, MedsSignal: pkg.MedsUnknown}
			if medsSignal.Valid {
				status.MedsSignal = pkg.MedsSignal(medsSignal.String)
			}
			if lastMood.Valid && lastMood.String != "" {
				status.LastMood = &lastMood.String
			}
			status.Concerns = scanFlex(concerns)
			if summary.Valid && summary.String != "" {
				status.DailySummary = &summary.String
			}
			if lastActiveAt.Valid {
				status.LastActiveAt = &lastActiveAt.Time
			}
			if lastCheckInAt.Valid {
				status.LastCheckInAt = &lastCheckInAt.Time
			}
			p.Status = status
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// EnsureChatForUser returns the user's most recent chat, creating one when
// none exists yet.
func (r *Repository) EnsureChatForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id FROM chat WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`,
		userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid.New().String()
		_, err = r.DB.ExecContext(ctx,
			`INSERT INTO chat (id, user_id) VALUES ($1, $2)`, id, userID)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// SaveMessage stores one message with its ordered parts.
func (r *Repository) SaveMessage(ctx context.Context, chatID, role string, parts []pkg.MessagePart) (*pkg.ChatMessage, error) {
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	m := &pkg.ChatMessage{ID: uuid.New().String(), Role: role, Parts: parts}
	err = r.DB.QueryRowContext(ctx,
		`INSERT INTO message (id, chat_id, role, parts)
         VALUES ($1, $2, $3, $4)
         RETURNING created_at`,
		m.ID, chatID, role, string(partsJSON),
	).Scan(&m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetChatHistoryForUser returns all messages across the user's chats in
// chronological order.
func (r *Repository) GetChatHistoryForUser(ctx context.Context, userID string) ([]pkg.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT m.id, m.role, m.parts, m.created_at
         FROM message m
         JOIN chat c ON c.id = m.chat_id
         WHERE c.user_id = $1
         ORDER BY m.created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []pkg.ChatMessage
	for rows.Next() {
		var m pkg.ChatMessage
		var partsJSON []byte
		if err := rows.Scan(&m.ID, &m.Role, &partsJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(partsJSON, &m.Parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

// flexArg converts a FlexValue into a JSON column argument, mapping absent
// to NULL.  The value goes over the wire as text: pq encodes []byte as
// bytea, which json columns reject.
func flexArg(v pkg.FlexValue) any {
	if v.IsZero() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// scanFlex decodes a JSON column into a FlexValue; NULL stays absent.
func scanFlex(b []byte) pkg.FlexValue {
	if len(b) == 0 {
		return pkg.FlexValue{}
	}
	var v pkg.FlexValue
	if err := json.Unmarshal(b, &v); err != nil {
		return pkg.FlexValue{}
	}
	return v
}
