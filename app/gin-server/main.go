package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yoockh/intraview/config"
	"github.com/yoockh/intraview/internal/api/handlers"
	"github.com/yoockh/intraview/internal/api/middleware"
	"github.com/yoockh/intraview/internal/api/routes"
	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/observe"
	"github.com/yoockh/intraview/internal/providers/emotion"
	"github.com/yoockh/intraview/internal/providers/llm"
	"github.com/yoockh/intraview/internal/providers/stt"
	"github.com/yoockh/intraview/internal/realtime"
	"github.com/yoockh/intraview/internal/reassembly"
	"github.com/yoockh/intraview/internal/repositories/memory"
	mongorepo "github.com/yoockh/intraview/internal/repositories/mongo"
	pgrepo "github.com/yoockh/intraview/internal/repositories/postgres"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/storage"
	"github.com/yoockh/intraview/internal/workers"
)

type stores struct {
	sessions    pgrepo.SessionRepository
	transcripts pgrepo.TranscriptRepository
	questions   pgrepo.QuestionRepository
	emotions    pgrepo.EmotionRepository
	qna         pgrepo.QnaRepository
	fragments   mongorepo.FragmentRepository
	presence    cache.Presence
	cache       cache.Cache
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mp, err := observe.InitProvider()
	if err != nil {
		return err
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()
	met, err := observe.NewMetrics(mp)
	if err != nil {
		return err
	}

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}

	blobs, closeBlobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBlobs()

	// Services
	sessionSvc := services.NewSessionService(st.sessions, st.presence, log)
	fragmentSvc := services.NewFragmentService(st.fragments, blobs, log)
	transcriptSvc := services.NewTranscriptService(st.transcripts)
	emotionSvc := services.NewEmotionService(st.emotions)
	evalSvc := services.NewEvaluationService(st.questions, st.qna)
	reportSvc := services.NewReportService(sessionSvc, evalSvc, emotionSvc, st.cache, cfg.ReportCacheTTL, log)

	slots := modelslot.New(loaders(cfg), modelslot.WithLogger(log), modelslot.WithMetrics(met))
	defer func() { _ = slots.Close() }()

	pool := workers.NewPool(cfg.Workers, cfg.Workers*cfg.LaneQueue)

	transcriber := workers.NewTranscriptionWorker(slots, fragmentSvc, transcriptSvc, log, met)
	transcriber.Language = cfg.STTLanguage
	transcriber.MinBatchBytes = cfg.MinBatchBytes
	transcriber.InferenceTimeout = cfg.InferenceTimeout

	emotions := workers.NewEmotionWorker(slots, fragmentSvc, emotionSvc, log, met)
	emotions.InferenceTimeout = cfg.InferenceTimeout

	analysis := workers.NewAnalysisWorker(workers.AnalysisDeps{
		Slots:       slots,
		Sessions:    sessionSvc,
		Transcripts: transcriptSvc,
		Evaluations: evalSvc,
		Emotions:    emotionSvc,
		Fragments:   fragmentSvc,
		Reports:     reportSvc,
		Log:         log,
		Metrics:     met,
	})
	analysis.InferenceTimeout = 2 * cfg.InferenceTimeout
	analysis.AnalysisTimeout = cfg.AnalysisTimeout
	analysis.PurgeAudio = cfg.PurgeAudioAfterAnalysis

	g, gctx := errgroup.WithContext(ctx)

	var analyzer workers.Analyzer = analysis
	if cfg.AnalysisQueue == "redis" {
		stream := &workers.AnalysisStream{Redis: config.RedisClient, Worker: analysis, Logger: log}
		if err := stream.Start(gctx); err != nil {
			return err
		}
		analyzer = stream
	}

	rt := realtime.NewHandler(realtime.Config{
		PingInterval: cfg.PingInterval,
		DrainTimeout: cfg.DrainTimeout,
		LaneQueue:    cfg.LaneQueue,
		Limits: reassembly.Limits{
			MaxPartial: cfg.MaxPartialFragments,
			MaxBytes:   cfg.MaxBufferedBytes,
		},
	}, realtime.Deps{
		Sessions:    sessionSvc,
		Presence:    st.presence,
		Fragments:   fragmentSvc,
		Transcriber: transcriber,
		Emotions:    emotions,
		Slots:       slots,
		Analyzer:    analyzer,
		Pool:        pool,
		Log:         log,
		Metrics:     met,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log, met))
	routes.RegisterRoutes(r, routes.Deps{
		Session:       handlers.NewSessionHandler(sessionSvc, evalSvc, reportSvc, analysis),
		Transcription: handlers.NewTranscriptionHandler(sessionSvc, fragmentSvc, transcriptSvc, transcriber),
		WS:            handlers.NewWSHandler(rt, cfg.WSAllowedOrigins),
		JWT: middleware.JWTConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		},
	})
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; authentication disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reaper := &workers.Reaper{
			Sessions:   sessionSvc,
			StaleAfter: cfg.StaleAfter,
			Interval:   cfg.ReapInterval,
			Logger:     log,

			Analyzer:           analyzer,
			AnalysisStaleAfter: 2 * cfg.AnalysisTimeout,
		}
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown; they
		// drain through the base context
		return srv.Shutdown(sctx)
	})

	err = g.Wait()

	wctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if werr := analysis.Wait(wctx); werr != nil {
		log.WithError(werr).Warn("analysis runs cancelled at shutdown")
	}
	pool.Close()
	return err
}

func openStores(cfg *config.Config, log *logrus.Logger) (*stores, error) {
	if cfg.StoreBackend == "memory" {
		log.Warn("STORE_BACKEND=memory; nothing is persisted across restarts")
		sessions := memory.NewStore()
		if cfg.DevSessionID != "" {
			sessions.Put(models.Session{ID: cfg.DevSessionID, Status: models.SessionOngoing})
			log.WithField("session_id", cfg.DevSessionID).Info("seeded dev session")
		}
		return &stores{
			sessions:    sessions,
			transcripts: memory.NewTranscripts(),
			questions:   memory.NewQuestions(),
			emotions:    memory.NewEmotions(),
			qna:         memory.NewQna(),
			fragments:   memory.NewFragments(),
			presence:    cache.NewMemoryPresence(),
			cache:       cache.NewMemoryCache(),
		}, nil
	}

	// Init PostgreSQL
	if err := config.InitPostgres(cfg.PostgresURI); err != nil {
		return nil, err
	}
	if err := config.Migrate(); err != nil {
		return nil, err
	}
	log.Info("PostgreSQL connected")

	// Init MongoDB
	if err := config.InitMongo(cfg.MongoURI); err != nil {
		return nil, err
	}
	if err := config.EnsureMongoIndexes(cfg.MongoDB); err != nil {
		return nil, err
	}
	log.Info("MongoDB connected")

	// Init Redis
	if err := config.InitRedis(cfg.RedisAddr); err != nil {
		return nil, err
	}
	log.Info("Redis connected")

	db := config.PostgresDB
	return &stores{
		sessions:    pgrepo.NewSessionRepo(db),
		transcripts: pgrepo.NewTranscriptRepo(db),
		questions:   pgrepo.NewQuestionRepo(db),
		emotions:    pgrepo.NewEmotionRepo(db),
		qna:         pgrepo.NewQnaRepo(db),
		fragments:   mongorepo.NewFragmentRepo(config.MongoClient.Database(cfg.MongoDB)),
		presence:    cache.NewRedisPresence(config.RedisClient),
		cache:       cache.NewRedisCache(config.RedisClient),
	}, nil
}

func openBlobs(ctx context.Context, cfg *config.Config, log *logrus.Logger) (storage.Blobs, func(), error) {
	if cfg.GCSBucket != "" {
		gcs, err := storage.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("bucket", cfg.GCSBucket).Info("media stored in GCS")
		return gcs, func() { _ = gcs.Close() }, nil
	}
	local, err := storage.NewLocalStore(cfg.MediaStoragePath)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("path", cfg.MediaStoragePath).Info("media stored on local disk")
	return local, func() {}, nil
}

// loaders builds a fresh model per call; the slot closes it on eviction.
func loaders(cfg *config.Config) map[modelslot.Kind]modelslot.Loader {
	return map[modelslot.Kind]modelslot.Loader{
		modelslot.KindSTT: func(ctx context.Context) (modelslot.Model, error) {
			p, err := stt.New(ctx, stt.Config{
				Backend:          cfg.STTBackend,
				Language:         cfg.STTLanguage,
				GoogleEncoding:   cfg.GoogleEncoding,
				GoogleSampleRate: int32(cfg.GoogleSampleRate),
				GoogleModel:      cfg.GoogleModel,
				WhisperModelPath: cfg.WhisperModel,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		modelslot.KindEmotion: func(ctx context.Context) (modelslot.Model, error) {
			c, err := emotion.NewHTTPClassifier(ctx, cfg.EmotionURL, cfg.InferenceTimeout)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		modelslot.KindLLM: func(ctx context.Context) (modelslot.Model, error) {
			p, err := llm.New(ctx, llm.Config{
				Backend:         cfg.LLMBackend,
				VertexProject:   cfg.VertexProject,
				VertexLocation:  cfg.VertexLocation,
				VertexModel:     cfg.VertexModel,
				OpenAIBaseURL:   cfg.OpenAIBaseURL,
				OpenAIAPIKey:    cfg.OpenAIAPIKey,
				OpenAIModel:     cfg.OpenAIModel,
				OllamaUnloadURL: cfg.OllamaUnloadURL,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}
