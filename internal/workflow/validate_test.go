package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpStep(slug string, deps ...string) StepSpec {
	return StepSpec{
		Slug:      slug,
		Target:    TargetSpec{Type: TargetHTTP, URL: "http://service/" + slug},
		DependsOn: deps,
	}
}

func TestValidateAcceptsLinearChain(t *testing.T) {
	def := Definition{
		Name:  "chain",
		Steps: []StepSpec{httpStep("a"), httpStep("b", "a"), httpStep("c", "b")},
	}
	require.NoError(t, Validate(def))
}

func TestValidateRejectsCycle(t *testing.T) {
	def := Definition{
		Name:  "cyclic",
		Steps: []StepSpec{httpStep("a", "c"), httpStep("b", "a"), httpStep("c", "b")},
	}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	def := Definition{
		Name:  "dangling",
		Steps: []StepSpec{httpStep("a", "ghost")},
	}
	require.Error(t, Validate(def))
}

func TestValidateRejectsDuplicateSlug(t *testing.T) {
	def := Definition{
		Name:  "dup",
		Steps: []StepSpec{httpStep("a"), httpStep("a")},
	}
	require.Error(t, Validate(def))
}

func TestValidateRejectsBadCron(t *testing.T) {
	def := Definition{
		Name:    "badcron",
		Steps:   []StepSpec{httpStep("a")},
		Trigger: TriggerSpec{Type: TriggerCalendar, Cron: "not a cron"},
	}
	require.Error(t, Validate(def))
}

func TestValidateTargets(t *testing.T) {
	cases := []struct {
		name string
		step StepSpec
		ok   bool
	}{
		{"http without url", StepSpec{Slug: "s", Target: TargetSpec{Type: TargetHTTP}}, false},
		{"queue without name", StepSpec{Slug: "s", Target: TargetSpec{Type: TargetQueue}}, false},
		{"delay without duration", StepSpec{Slug: "s", Target: TargetSpec{Type: TargetDelay}}, false},
		{"conditional without expr", StepSpec{Slug: "s", Target: TargetSpec{Type: TargetConditional}}, false},
		{"valid delay", StepSpec{Slug: "s", Target: TargetSpec{Type: TargetDelay, DelaySeconds: 5}}, true},
		{"valid queue", StepSpec{Slug: "s", Target: TargetSpec{Type: TargetQueue, Queue: "q"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(Definition{Name: "t", Steps: []StepSpec{tc.step}})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestServiceNeverPersistsInvalidDefinition(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)

	_, err := svc.CreateDefinition(Definition{
		Name:  "cyclic",
		Steps: []StepSpec{httpStep("a", "b"), httpStep("b", "a")},
	})
	require.Error(t, err)
	assert.Empty(t, store.ListDefinitions())
}

func TestServiceVersioningAndRollback(t *testing.T) {
	svc := NewService(NewMemoryStore())

	def, err := svc.CreateDefinition(Definition{Name: "v", Steps: []StepSpec{httpStep("a")}})
	require.NoError(t, err)

	def.Steps = append(def.Steps, httpStep("b", "a"))
	def, err = svc.CreateDefinition(def)
	require.NoError(t, err)
	require.Len(t, svc.ListVersions(def.ID), 2)

	rolled, err := svc.RollbackVersion(def.ID, 1)
	require.NoError(t, err)
	assert.Len(t, rolled.Steps, 1)
	assert.Len(t, svc.ListVersions(def.ID), 3)
}

func TestBuiltinTemplatesAreValid(t *testing.T) {
	for _, tpl := range BuiltinTemplates {
		assert.NoError(t, Validate(tpl), tpl.Name)
	}
}

func TestCreateDefinitionFromJSONEnforcesSchema(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)

	good := `{"name":"ingest","steps":[{"slug":"a","target":{"type":"http","url":"http://x/a"}}]}`
	def, err := svc.CreateDefinitionFromJSON([]byte(good))
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.Len(t, svc.ListVersions(def.ID), 1)

	// Schema violations are rejected before anything is persisted.
	badSlug := `{"name":"ingest","steps":[{"slug":"Not OK","target":{"type":"http","url":"http://x"}}]}`
	_, err = svc.CreateDefinitionFromJSON([]byte(badSlug))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")

	badTarget := `{"name":"ingest","steps":[{"slug":"a","target":{"type":"smtp"}}]}`
	_, err = svc.CreateDefinitionFromJSON([]byte(badTarget))
	require.Error(t, err)

	assert.Len(t, store.ListDefinitions(), 1)
}

func TestValidateRawSchema(t *testing.T) {
	good := `{"name":"ok","steps":[{"slug":"a","target":{"type":"http","url":"http://x/a"}}]}`
	require.NoError(t, ValidateRaw([]byte(good)))

	bad := `{"name":"","steps":[]}`
	require.Error(t, ValidateRaw([]byte(bad)))

	badSlug := `{"name":"ok","steps":[{"slug":"Not OK","target":{"type":"http","url":"http://x"}}]}`
	require.Error(t, ValidateRaw([]byte(badSlug)))
}
