// Package memory holds in-process implementations of the repository
// interfaces. They back STORE_BACKEND=memory for local runs and the tests of
// every package above the repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/repositories/mongo"
	"github.com/yoockh/intraview/internal/repositories/postgres"
	"github.com/yoockh/intraview/internal/utils"
)

var (
	_ postgres.SessionRepository    = (*Store)(nil)
	_ postgres.TranscriptRepository = (*Transcripts)(nil)
	_ postgres.QuestionRepository   = (*Questions)(nil)
	_ postgres.EmotionRepository    = (*Emotions)(nil)
	_ postgres.QnaRepository        = (*Qna)(nil)
	_ mongo.FragmentRepository      = (*Fragments)(nil)
)

// Store is the sessions table.
type Store struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

func NewStore() *Store {
	return &Store{sessions: map[string]models.Session{}}
}

// Put inserts or replaces a session, standing in for the CRUD layer.
func (s *Store) Put(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.StartTime.IsZero() {
		sess.StartTime = time.Now().UTC()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.StartTime
	}
	s.sessions[sess.ID] = sess
}

func (s *Store) GetByID(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) Transition(_ context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != from {
		return false, nil
	}
	sess.Status = to
	if (to == models.SessionCompleted || to == models.SessionTerminated) && sess.EndTime == nil {
		t := at.UTC()
		sess.EndTime = &t
	}
	if to == models.SessionAnalyzing {
		sess.LastActivity = at.UTC()
	}
	s.sessions[id] = sess
	return true, nil
}

func (s *Store) Touch(_ context.Context, id string, modality models.Modality, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.LastActivity = at.UTC()
	if modality == models.ModalityVideo {
		sess.TotalFrames++
	} else {
		sess.TotalChunks++
	}
	s.sessions[id] = sess
	return nil
}

func (s *Store) SetScore(_ context.Context, id string, score *int, analysis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return utils.ErrNotFound
	}
	sess.FinalScore = score
	sess.Analysis = &analysis
	s.sessions[id] = sess
	return nil
}

func (s *Store) ListStale(_ context.Context, status models.SessionStatus, cutoff time.Time, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == status && sess.LastActivity.Before(cutoff) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type Transcripts struct {
	mu   sync.Mutex
	next int64
	rows []models.Transcript
}

func NewTranscripts() *Transcripts { return &Transcripts{} }

func (r *Transcripts) Insert(_ context.Context, t *models.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	t.ID = r.next
	r.rows = append(r.rows, *t)
	return nil
}

func (r *Transcripts) ListBySession(_ context.Context, sessionID string) ([]models.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transcript
	for _, t := range r.rows {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type Questions struct {
	mu   sync.Mutex
	next int64
	rows map[int64]models.Question
}

func NewQuestions() *Questions { return &Questions{rows: map[int64]models.Question{}} }

// Add stores q under its ID, or a fresh one when ID is zero, and returns it.
func (r *Questions) Add(q models.Question) models.Question {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.ID == 0 {
		r.next++
		q.ID = r.next
	} else if q.ID > r.next {
		r.next = q.ID
	}
	r.rows[q.ID] = q
	return q
}

func (r *Questions) GetByIDs(_ context.Context, ids []int64) ([]models.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Question
	for _, id := range ids {
		if q, ok := r.rows[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (r *Questions) ListBySession(_ context.Context, sessionID string) ([]models.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Question
	for _, q := range r.rows {
		if q.SessionID != nil && *q.SessionID == sessionID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Questions) InsertMany(_ context.Context, qs []models.Question) error {
	for i := range qs {
		qs[i].ID = 0
		qs[i] = r.Add(qs[i])
	}
	return nil
}

type Emotions struct {
	mu      sync.Mutex
	next    int64
	samples []models.EmotionSample
	results map[string]models.EmotionResult
}

func NewEmotions() *Emotions { return &Emotions{results: map[string]models.EmotionResult{}} }

func (r *Emotions) InsertSample(_ context.Context, s *models.EmotionSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	s.ID = r.next
	r.samples = append(r.samples, *s)
	return nil
}

func (r *Emotions) ListSamples(_ context.Context, sessionID string) ([]models.EmotionSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EmotionSample
	for _, s := range r.samples {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Emotions) InsertResult(_ context.Context, res *models.EmotionResult) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[res.SessionID]; ok {
		return false, nil
	}
	r.next++
	res.ID = r.next
	r.results[res.SessionID] = *res
	return true, nil
}

func (r *Emotions) GetResult(_ context.Context, sessionID string) (*models.EmotionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[sessionID]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return &res, nil
}

type Qna struct {
	mu   sync.Mutex
	next int64
	rows []models.QnaResult
}

func NewQna() *Qna { return &Qna{} }

func (r *Qna) InsertIfAbsent(_ context.Context, row *models.QnaResult) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.SessionID == row.SessionID && existing.QuestionID == row.QuestionID {
			return false, nil
		}
	}
	r.next++
	row.ID = r.next
	r.rows = append(r.rows, *row)
	return true, nil
}

func (r *Qna) ListBySession(_ context.Context, sessionID string) ([]models.QnaResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.QnaResult
	for _, row := range r.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

type fragmentKey struct {
	session  string
	modality models.Modality
	index    int64
}

type Fragments struct {
	mu   sync.Mutex
	rows map[fragmentKey]models.MediaFragment
}

func NewFragments() *Fragments { return &Fragments{rows: map[fragmentKey]models.MediaFragment{}} }

func (r *Fragments) Insert(_ context.Context, f *models.MediaFragment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := fragmentKey{f.SessionID, f.Modality, f.SequenceIndex}
	if _, ok := r.rows[k]; ok {
		return utils.ErrDuplicate
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	r.rows[k] = *f
	return nil
}

func (r *Fragments) Get(_ context.Context, sessionID string, modality models.Modality, index int64) (*models.MediaFragment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.rows[fragmentKey{sessionID, modality, index}]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return &f, nil
}

func (r *Fragments) SetResult(_ context.Context, sessionID string, modality models.Modality, index int64, res models.FragmentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := fragmentKey{sessionID, modality, index}
	f, ok := r.rows[k]
	if !ok {
		return utils.ErrNotFound
	}
	f.Status = res.Status
	f.Processed = res.Status == models.FragmentDone
	if res.FailureReason != "" {
		f.FailureReason = res.FailureReason
	}
	switch modality {
	case models.ModalityAudio:
		f.Transcript = res.Transcript
	case models.ModalityVideo:
		f.EmotionLabel = res.EmotionLabel
		f.EmotionConfidence = res.Confidence
	}
	r.rows[k] = f
	return nil
}

func (r *Fragments) ListBySession(_ context.Context, sessionID string, modality models.Modality, limit int64) ([]models.MediaFragment, error) {
	return r.list(func(f models.MediaFragment) bool {
		return f.SessionID == sessionID && f.Modality == modality
	}, limit), nil
}

func (r *Fragments) ListUnprocessed(_ context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error) {
	return r.list(func(f models.MediaFragment) bool {
		return f.SessionID == sessionID && f.Modality == modality && !f.Processed && !f.Purged
	}, 0), nil
}

func (r *Fragments) MarkPurged(_ context.Context, sessionID string, modality models.Modality, indexes []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, idx := range indexes {
		k := fragmentKey{sessionID, modality, idx}
		if f, ok := r.rows[k]; ok && !f.Purged {
			f.Purged = true
			f.PayloadPath = ""
			r.rows[k] = f
			n++
		}
	}
	return n, nil
}

func (r *Fragments) list(match func(models.MediaFragment) bool, limit int64) []models.MediaFragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MediaFragment
	for _, f := range r.rows {
		if match(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out
}
