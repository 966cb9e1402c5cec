package factory

import (
	"strings"
	"testing"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/WebChangeDetector/webchangedetector-sub002/test"
	"github.com/stretchr/testify/assert"
)

func ExampleRandomID() {
	RandomID()
	// Will return something like "job_01927f5e-6a40-7c3b-9d2e-6740b44e13b9"
}

func TestRandomID(t *testing.T) {
	id := RandomID()
	assert.True(t, strings.HasPrefix(id, "job_"))
	assert.NotEqual(t, id, RandomID())
}

func TestCreateProcessingJob(t *testing.T) {
	stores := test.SetUp(t)
	job := CreateProcessingJob(t, stores.Jobs, func(j *models.SyncJob) { j.Domain = "other.example" })
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, "other.example", job.Domain)
}
