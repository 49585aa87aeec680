package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lukemcguire/siteaudit/model"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to model.RunStatus
		ok       bool
	}{
		{model.StatusQueued, model.StatusRunning, true},
		{model.StatusQueued, model.StatusFailed, true},
		{model.StatusRunning, model.StatusCompleted, true},
		{model.StatusRunning, model.StatusFailed, true},
		{model.StatusQueued, model.StatusCompleted, false},
		{model.StatusRunning, model.StatusQueued, false},
		{model.StatusCompleted, model.StatusRunning, false},
		{model.StatusCompleted, model.StatusFailed, false},
		{model.StatusFailed, model.StatusRunning, false},
		{model.RunStatus("paused"), model.StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := model.ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	assert.False(t, model.StatusQueued.IsTerminal())
	assert.False(t, model.StatusRunning.IsTerminal())
	assert.True(t, model.StatusCompleted.IsTerminal())
	assert.True(t, model.StatusFailed.IsTerminal())
}

func TestCrawledPageIsHTML(t *testing.T) {
	tests := map[string]bool{
		"text/html":                       true,
		"text/html; charset=utf-8":        true,
		"TEXT/HTML":                       true,
		"application/xhtml+xml":           true,
		"application/json":                false,
		"":                                false,
		"text/html; charset=\"broken":     true,
	}
	for ct, want := range tests {
		p := model.CrawledPage{ContentType: ct}
		assert.Equal(t, want, p.IsHTML(), "content type %q", ct)
	}
}

func TestAuditRunErrorRate(t *testing.T) {
	r := &model.AuditRun{}
	assert.Zero(t, r.ErrorRate())

	r.FetchAttempts, r.FetchErrors = 4, 1
	assert.InDelta(t, 0.25, r.ErrorRate(), 1e-9)
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, model.SeverityCritical.Rank(), model.SeverityHigh.Rank())
	assert.Less(t, model.SeverityHigh.Rank(), model.SeverityMedium.Rank())
	assert.Less(t, model.SeverityMedium.Rank(), model.SeverityLow.Rank())
}

func TestRunConfigValidate(t *testing.T) {
	valid := model.RunConfig{StartURL: "https://example.com/", MaxPages: 10}
	assert.NoError(t, valid.Validate())

	tests := map[string]model.RunConfig{
		"empty start":       {MaxPages: 1},
		"relative start":    {StartURL: "/about", MaxPages: 1},
		"ftp start":         {StartURL: "ftp://example.com/", MaxPages: 1},
		"zero max pages":    {StartURL: "https://example.com/"},
		"negative rendered": {StartURL: "https://example.com/", MaxPages: 1, MaxPagesRendered: -1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}

	err := model.RunConfig{StartURL: "nope"}.Validate()
	assert.ErrorContains(t, err, "start URL")
	assert.ErrorContains(t, err, "max pages")
}
