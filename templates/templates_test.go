package templates

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"outreach/models"
)

func validTemplate() *models.SequenceTemplate {
	return &models.SequenceTemplate{
		Name:     "creator_intro",
		IsActive: true,
		Steps: []models.StepSpec{
			{StepNumber: 2, DelayDays: 3, SubjectTemplate: "Re: {{.channel_name}}", TextTemplate: "Following up"},
			{StepNumber: 1, SubjectTemplate: "Hi {{.first_name}}", HTMLTemplate: "<p>Hello {{.first_name}}</p>"},
		},
	}
}

func TestValidateNormalizes(t *testing.T) {
	tmpl := validTemplate()
	require.NoError(t, Validate(tmpl))

	assert.Equal(t, 1, tmpl.Steps[0].StepNumber)
	assert.Equal(t, 2, tmpl.Steps[1].StepNumber)
	assert.Equal(t, models.DefaultStopOn, tmpl.StopOn)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.SequenceTemplate)
	}{
		{"no name", func(tm *models.SequenceTemplate) { tm.Name = "" }},
		{"no steps", func(tm *models.SequenceTemplate) { tm.Steps = nil }},
		{"gap in steps", func(tm *models.SequenceTemplate) { tm.Steps[0].StepNumber = 3 }},
		{"duplicate step", func(tm *models.SequenceTemplate) { tm.Steps[0].StepNumber = 1 }},
		{"negative delay", func(tm *models.SequenceTemplate) { tm.Steps[0].DelayDays = -1 }},
		{"bad send time", func(tm *models.SequenceTemplate) { tm.Steps[0].SendTimePreference = "25:99" }},
		{"unknown skip condition", func(tm *models.SequenceTemplate) {
			tm.Steps[0].SkipIf = []models.Condition{"bounced"}
		}},
		{"no content", func(tm *models.SequenceTemplate) { tm.Steps[0].TextTemplate = "" }},
		{"missing subject", func(tm *models.SequenceTemplate) { tm.Steps[1].SubjectTemplate = "" }},
		{"broken template", func(tm *models.SequenceTemplate) { tm.Steps[0].TextTemplate = "{{.first_name" }},
		{"unknown stop event", func(tm *models.SequenceTemplate) { tm.StopOn = []models.EventKind{"deferred"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := validTemplate()
			tt.mutate(tmpl)
			assert.ErrorIs(t, Validate(tmpl), ErrTemplateMisconfigured)
		})
	}
}

func TestValidateNamesTheFailingField(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Steps[0].SkipIf = []models.Condition{"bounced"}
	tmpl.StopOn = []models.EventKind{"deferred"}

	err := Validate(tmpl)
	require.ErrorIs(t, err, ErrTemplateMisconfigured)
	assert.Contains(t, err.Error(), "steps[0].skip_if[0] must be one of replied clicked opened")
	assert.Contains(t, err.Error(), "stop_on[0] must be a delivery event kind")
}

const sequencesYAML = `
sequences:
  - name: creator_intro
    description: First touch for creators
    stop_on: [replied, bounced]
    steps:
      - step_number: 1
        skip_weekends: true
        send_time_preference: "09:30"
        subject_template: "Quick idea for {{.channel_name}}"
        text_template: "Hi {{.first_name}}"
      - step_number: 2
        delay_days: 3
        skip_if: [replied, clicked]
        subject_template: "Following up"
        text_template: "Any thoughts?"
`

func TestParse(t *testing.T) {
	seqs, err := Parse([]byte(sequencesYAML))
	require.NoError(t, err)
	require.Len(t, seqs, 1)

	s := seqs[0]
	assert.Equal(t, "creator_intro", s.Name)
	assert.True(t, s.IsActive)
	assert.Equal(t, []models.EventKind{models.EventReplied, models.EventBounced}, s.StopOn)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "09:30", s.Steps[0].SendTimePreference)
	assert.Equal(t, []models.Condition{models.ConditionReplied, models.ConditionClicked}, s.Steps[1].SkipIf)

	_, err = Parse([]byte("sequences:\n  - name: empty\n"))
	assert.ErrorIs(t, err, ErrTemplateMisconfigured)

	_, err = Parse([]byte("sequences: ["))
	assert.Error(t, err)
}

func TestLoadFileAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sequencesYAML), 0o600))

	seqs, err := LoadFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, Seed(ctx, s, seqs))
	require.NoError(t, Seed(ctx, s, seqs))

	got, err := s.Get(ctx, "creator_intro")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "creator_intro")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, validTemplate()))
	got, err := s.Get(ctx, "creator_intro")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	got.Steps[0].SubjectTemplate = "mutated"
	again, err := s.Get(ctx, "creator_intro")
	require.NoError(t, err)
	assert.Equal(t, "Hi {{.first_name}}", again.Steps[0].SubjectTemplate)

	inactive := validTemplate()
	inactive.IsActive = false
	require.NoError(t, s.Save(ctx, inactive))
	_, err = s.Get(ctx, "creator_intro")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)

	broken := validTemplate()
	broken.Steps[0].StepNumber = 5
	s.Put(broken)
	_, err = s.Get(ctx, "creator_intro")
	assert.ErrorIs(t, err, ErrTemplateMisconfigured)
}

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormStore(db), mock
}

func TestGormStoreGet(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "sequence_templates"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_active", "version", "steps"}).
			AddRow(1, "creator_intro", true, 3, `[{"step_number":1,"subject_template":"Hi","text_template":"Hello"}]`))

	tmpl, err := s.Get(context.Background(), "creator_intro")
	require.NoError(t, err)
	assert.Equal(t, 3, tmpl.Version)
	require.Len(t, tmpl.Steps, 1)
	assert.Equal(t, models.DefaultStopOn, tmpl.StopOn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreGetMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "sequence_templates"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStoreSaveRejectsInvalidWithoutQuerying(t *testing.T) {
	s, mock := newMockStore(t)
	tmpl := validTemplate()
	tmpl.Steps = nil

	assert.ErrorIs(t, s.Save(context.Background(), tmpl), ErrTemplateMisconfigured)
	assert.NoError(t, mock.ExpectationsWereMet())
}
