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
	"github.com/typesense/typesense-go/typesense/api"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/concilia-hq/concilia"
	"github.com/concilia-hq/concilia/api/middleware"
	"github.com/concilia-hq/concilia/config"
)

type Api struct {
	concilia *concilia.Concilia
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/expenses", a.CreateExpense)
	router.GET("/expenses/:id", a.GetExpense)

	router.POST("/invoices", a.IngestTaxInvoice)
	router.GET("/invoices/:id", a.GetTaxInvoice)

	router.POST("/reconciliation/start", a.StartReconciliation)
	router.POST("/reconciliation/upload", a.UploadStatement)
	router.GET("/reconciliation/:id", a.GetReconciliationRun)

	router.GET("/matches", a.ListMatches)
	router.GET("/matches/:id", a.GetMatch)
	router.GET("/matches/:id/events", a.GetMatchEvents)
	router.POST("/matches/:id/confirm", a.ConfirmMatch)
	router.POST("/matches/:id/reject", a.RejectMatch)

	router.POST("/sweeps/trigger", a.TriggerSweep)

	router.POST("/hooks", a.RegisterHook)
	router.GET("/hooks", a.ListHooks)
	router.GET("/hooks/:id", a.GetHook)
	router.PUT("/hooks/:id", a.UpdateHook)
	router.DELETE("/hooks/:id", a.DeleteHook)

	router.GET("/backup", a.BackupDB)
	router.GET("/backup-s3", a.BackupDBS3)

	router.POST("/search/:collection", a.Search)
	return a.router
}

func NewAPI(c *concilia.Concilia) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("concilia-api"))
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{concilia: c, router: r}
}

func (a Api) Search(c *gin.Context) {
	collection, passed := c.Params.Get("collection")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collection is required. pass id in the route /:collection"})
		return
	}

	var query api.SearchCollectionParams
	err := c.BindJSON(&query)
	if err != nil {
		return
	}

	resp, err := a.concilia.Search(collection, &query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
