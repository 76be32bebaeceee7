package serialization

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/domain/reporting"
)

func TestSerializeDeserialize_ProcessingStatusKeepsOptionalProgress(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	withProgress, err := reporting.NewProcessingStatusEvent(id, 2, reporting.ReportStatusProcessing, now,
		reporting.WithProgress(0), reporting.WithStage(reporting.StageFetching))
	require.NoError(t, err)
	withoutProgress, err := reporting.NewProcessingStatusEvent(id, 0, reporting.ReportStatusStarted, now)
	require.NoError(t, err)

	tests := []struct {
		name         string
		evt          reporting.ProcessingStatusEvent
		wantProgress bool
	}{
		{name: "zero progress is preserved", evt: withProgress, wantProgress: true},
		{name: "absent progress stays absent", evt: withoutProgress, wantProgress: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := SerializeEventEnvelope(events.NewEnvelope(tt.evt))
			require.NoError(t, err)

			env, err := DeserializeEventEnvelope(data)
			require.NoError(t, err)
			assert.Equal(t, reporting.EventTypeProcessingStatus, env.Type)
			assert.Equal(t, id.String(), env.RequestID)

			got, ok := env.Payload.(reporting.ProcessingStatusEvent)
			require.True(t, ok)
			_, has := got.Progress()
			assert.Equal(t, tt.wantProgress, has)
			assert.Equal(t, tt.evt.Sequence(), got.Sequence())
			assert.True(t, tt.evt.OccurredAt().Equal(got.OccurredAt()))
		})
	}
}

func TestDeserializeEventEnvelope_SchemaErrors(t *testing.T) {
	id := uuid.New().String()

	tests := []struct {
		name   string
		data   string
		reason string
	}{
		{name: "not json", data: `{{{`, reason: "malformed envelope"},
		{name: "missing type", data: `{"schemaVersion":1,"requestId":"` + id + `","payload":{}}`, reason: "missing eventType"},
		{name: "missing version", data: `{"eventType":"ReportCompleted","requestId":"` + id + `","payload":{}}`, reason: "missing schemaVersion"},
		{name: "unknown type", data: `{"eventType":"Nope","schemaVersion":1,"requestId":"` + id + `","payload":{}}`, reason: "unknown event type"},
		{
			name:   "unknown version",
			data:   `{"eventType":"ReportCompleted","schemaVersion":99,"requestId":"` + id + `","payload":{}}`,
			reason: "unknown schema version",
		},
		{
			name:   "completed without result",
			data:   `{"eventType":"ReportCompleted","schemaVersion":1,"requestId":"` + id + `","payload":{"requestId":"` + id + `","status":"completed"}}`,
			reason: "invalid payload",
		},
		{
			name: "request id mismatch",
			data: `{"eventType":"ReportCompleted","schemaVersion":1,"requestId":"` + id + `","payload":{"requestId":"` +
				uuid.New().String() + `","status":"failed","error":"boom"}}`,
			reason: "requestId mismatch between envelope and payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeEventEnvelope([]byte(tt.data))
			require.Error(t, err)

			var se *events.SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.reason, se.Reason)
		})
	}
}

func TestSerializeEventEnvelope_RequestRoundTrip(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	req := reporting.NewReportRequest(uuid.New(), reporting.ReportTypeMovieAnalysis, "tt1234567",
		map[string]string{"format": "xlsx"}, "alice", created)

	data, err := SerializeEventEnvelope(events.NewEnvelope(reporting.NewReportRequestedEvent(req, created)))
	require.NoError(t, err)

	env, err := DeserializeEventEnvelope(data)
	require.NoError(t, err)

	got := env.Payload.(reporting.ReportRequestedEvent).Request()
	assert.Equal(t, req.RequestID(), got.RequestID())
	assert.Equal(t, req.ReportType(), got.ReportType())
	assert.Equal(t, "tt1234567", got.SubjectID())
	assert.Equal(t, map[string]string{"format": "xlsx"}, got.Parameters())
	assert.Equal(t, "alice", got.RequestedBy())
}

func TestSerializeEventEnvelope_WrongPayloadType(t *testing.T) {
	_, err := SerializeEventEnvelope(events.EventEnvelope{
		Type:          reporting.EventTypeReportCompleted,
		SchemaVersion: reporting.ReportCompletedSchemaVersion,
		Payload:       "not an event",
	})
	assert.ErrorIs(t, err, ErrInvalidPayloadType)
}
