package services

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/reassembly"
	mongorepo "github.com/yoockh/intraview/internal/repositories/mongo"
	"github.com/yoockh/intraview/internal/storage"
	"github.com/yoockh/intraview/internal/utils"
)

type TranscriptionStats struct {
	Total       int `json:"total_chunks"`
	Transcribed int `json:"transcribed"`
	Pending     int `json:"pending"`
	Failed      int `json:"failed"`
}

type FragmentService interface {
	// Store persists a complete fragment: payload to blob storage, then the
	// metadata document. A failed insert deletes the uploaded payload.
	Store(ctx context.Context, f *reassembly.Fragment) (*models.MediaFragment, error)
	SetResult(ctx context.Context, sessionID string, modality models.Modality, index int64, res models.FragmentResult) error
	List(ctx context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error)
	ListUnprocessed(ctx context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error)
	LoadPayload(ctx context.Context, f *models.MediaFragment) ([]byte, error)
	// PurgeAudio deletes stored audio payloads of a session and flags the
	// documents whose payload is gone.
	PurgeAudio(ctx context.Context, sessionID string) (int, error)
	Stats(ctx context.Context, sessionID string) (TranscriptionStats, error)
}

type fragmentService struct {
	fragments mongorepo.FragmentRepository
	blobs     storage.Blobs
	log       *logrus.Logger
}

func NewFragmentService(fragments mongorepo.FragmentRepository, blobs storage.Blobs, log *logrus.Logger) FragmentService {
	return &fragmentService{fragments: fragments, blobs: blobs, log: log}
}

func (s *fragmentService) Store(ctx context.Context, f *reassembly.Fragment) (*models.MediaFragment, error) {
	const op = "FragmentService.Store"

	if f == nil || f.SessionID == "" || !f.Key.Modality.Valid() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id and modality are required", nil)
	}
	if len(f.Payload) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "empty payload", nil)
	}

	// one writer per session, so checking first keeps a replayed fragment
	// from overwriting the stored payload
	if _, err := s.fragments.Get(ctx, f.SessionID, f.Key.Modality, f.Key.Index); err == nil {
		return nil, utils.E(utils.CodeConflict, op, "fragment already stored", utils.ErrDuplicate)
	} else if !errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeInternal, op, "failed to check fragment", err)
	}

	mime := f.Meta.MimeType
	name := storage.ObjectName(f.SessionID, f.Key.Modality, f.Key.Index, mime)
	path, err := s.blobs.Upload(ctx, name, mime, bytes.NewReader(f.Payload))
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to store payload", err)
	}

	captured := f.Meta.Timestamp
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	doc := &models.MediaFragment{
		SessionID:       f.SessionID,
		Modality:        f.Key.Modality,
		SequenceIndex:   f.Key.Index,
		PayloadPath:     path,
		PayloadSize:     len(f.Payload),
		MimeType:        mime,
		CapturedAt:      captured,
		EndAt:           f.Meta.EndTimestamp,
		DurationMS:      f.Meta.DurationMS,
		OffsetMS:        f.Meta.OffsetMS,
		AudioChunkIndex: f.Meta.AudioChunkIndex,
		QuestionID:      f.Meta.QuestionID,
		Status:          models.FragmentPending,
	}

	if err := s.fragments.Insert(ctx, doc); err != nil {
		if errors.Is(err, utils.ErrDuplicate) {
			return nil, utils.E(utils.CodeConflict, op, "fragment already stored", err)
		}
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), path); derr != nil {
			s.log.WithFields(logrus.Fields{"path": path, "error": derr}).Warn("rollback payload delete failed")
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to insert fragment", err)
	}
	return doc, nil
}

func (s *fragmentService) SetResult(ctx context.Context, sessionID string, modality models.Modality, index int64, res models.FragmentResult) error {
	const op = "FragmentService.SetResult"

	if sessionID == "" || !modality.Valid() || res.Status == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id, modality, and status are required", nil)
	}
	if err := s.fragments.SetResult(ctx, sessionID, modality, index, res); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return utils.E(utils.CodeNotFound, op, "fragment not found", err)
		}
		return utils.E(utils.CodeInternal, op, "failed to update fragment", err)
	}
	return nil
}

func (s *fragmentService) List(ctx context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error) {
	const op = "FragmentService.List"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.fragments.ListBySession(ctx, sessionID, modality, 0)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list fragments", err)
	}
	return out, nil
}

func (s *fragmentService) ListUnprocessed(ctx context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error) {
	const op = "FragmentService.ListUnprocessed"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.fragments.ListUnprocessed(ctx, sessionID, modality)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list unprocessed fragments", err)
	}
	return out, nil
}

func (s *fragmentService) LoadPayload(ctx context.Context, f *models.MediaFragment) ([]byte, error) {
	const op = "FragmentService.LoadPayload"

	if f.Purged || f.PayloadPath == "" {
		return nil, utils.E(utils.CodeNotFound, op, "payload purged", utils.ErrNotFound)
	}
	b, err := s.blobs.Download(ctx, f.PayloadPath)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "payload missing", err)
		}
		return nil, utils.E(utils.CodeUnavailable, op, "failed to read payload", err)
	}
	return b, nil
}

func (s *fragmentService) PurgeAudio(ctx context.Context, sessionID string) (int, error) {
	const op = "FragmentService.PurgeAudio"

	frs, err := s.fragments.ListBySession(ctx, sessionID, models.ModalityAudio, 0)
	if err != nil {
		return 0, utils.E(utils.CodeInternal, op, "failed to list audio fragments", err)
	}
	var deleted []int64
	for _, f := range frs {
		if f.Purged || f.PayloadPath == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, f.PayloadPath); err != nil {
			// left unflagged so a later purge can retry it
			s.log.WithFields(logrus.Fields{"session_id": sessionID, "path": f.PayloadPath, "error": err}).Warn("audio purge delete failed")
			continue
		}
		deleted = append(deleted, f.SequenceIndex)
	}
	if _, err := s.fragments.MarkPurged(ctx, sessionID, models.ModalityAudio, deleted); err != nil {
		return len(deleted), utils.E(utils.CodeInternal, op, "failed to flag purged fragments", err)
	}
	return len(deleted), nil
}

func (s *fragmentService) Stats(ctx context.Context, sessionID string) (TranscriptionStats, error) {
	const op = "FragmentService.Stats"

	var st TranscriptionStats
	frs, err := s.fragments.ListBySession(ctx, sessionID, models.ModalityAudio, 0)
	if err != nil {
		return st, utils.E(utils.CodeInternal, op, "failed to list audio fragments", err)
	}
	for _, f := range frs {
		st.Total++
		switch f.Status {
		case models.FragmentDone:
			st.Transcribed++
		case models.FragmentFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	return st, nil
}
