package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Currently connected sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_total",
		Help: "Total sessions opened",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_rejected_total",
		Help: "Sessions refused by admission control",
	})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_chunks_ingested_total",
		Help: "Total audio chunks received",
	})

	SpeechChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_speech_chunks_total",
		Help: "Chunks scored above the activity threshold",
	})

	BufferPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_buffer_pruned_chunks_total",
		Help: "Chunks dropped from session buffers by the age cap or pre-speech window",
	})

	PauseDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turn_pause_detections_total",
		Help: "End-of-utterance detections that fired a processing callback",
	})

	Units = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_units_total",
		Help: "Processing units by outcome",
	}, []string{"status"})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_barge_ins_total",
		Help: "Units cancelled by new speech",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_duration_seconds",
		Help:    "End-to-end latency from pause detection to emitted response",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	Routings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_routings_total",
		Help: "Routing decisions by top candidate",
	}, []string{"handler"})

	RoutingEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_routing_empty_total",
		Help: "Utterances that matched no handler",
	})

	HandlerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handler_executions_total",
		Help: "Handler executions by outcome",
	}, []string{"handler", "status"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handler_duration_seconds",
		Help:    "Handler execution latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0},
	}, []string{"handler"})

	BatchTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_batch_timeouts_total",
		Help: "Batches that hit their deadline with units still running",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups by kind and result",
	}, []string{"kind", "result"})

	ASRNoiseFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_noise_filtered_total",
		Help: "Transcripts dropped as empty or noise",
	})

	UpstreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upstream_up",
		Help: "Last health probe result per upstream (1 healthy)",
	}, []string{"upstream"})
)
