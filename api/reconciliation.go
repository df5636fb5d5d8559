/*
Copyright 2025 Concilia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/concilia-hq/concilia/api/model"
)

// StartReconciliation enqueues a new matching pass and returns the run id.
func (a Api) StartReconciliation(c *gin.Context) {
	var req model2.StartReconciliation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	runID, err := a.concilia.StartReconciliation(c.Request.Context(), req.TriggeredBy, req.DryRun)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start reconciliation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run_id": runID, "dry_run": req.DryRun})
}

// GetReconciliationRun returns a run's status and counters.
func (a Api) GetReconciliationRun(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	run, err := a.concilia.GetReconciliationRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, run)
}

// UploadStatement ingests a bank statement file.
func (a Api) UploadStatement(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed"})
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			logrus.Warnf("failed to close uploaded file: %v", err)
		}
	}()

	uploadID, total, err := a.concilia.UploadStatement(c.Request.Context(), file, header.Filename)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process upload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"upload_id": uploadID, "record_count": total})
}

// TriggerSweep runs an orphan sweep outside its schedule.
func (a Api) TriggerSweep(c *gin.Context) {
	var req model2.TriggerSweep
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := a.concilia.SweepOrphans(c.Request.Context(), req.MinAgeDays)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run sweep"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run_id": runID})
}
