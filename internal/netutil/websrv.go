/*
 * @Author: CALM.WU
 * @Date: 2023-02-10 10:33:45
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-26 10:14:52
 */

package netutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	calmutils "github.com/wubo0067/calmwu-go/utils"
)

// WebSrv contains webserver resource
type WebSrv struct {
	srvName string
	ctx     context.Context
	httpSrv *http.Server
	router  *gin.Engine
}

func ginLogger(c *gin.Context) {
	t := time.Now()
	c.Next()
	latency := time.Since(t)
	glog.V(5).Infof("%s status:%d latency:%s", c.Request.RequestURI, c.Writer.Status(), latency.String())
}

// ginRecover logs a handler panic with the request and aborts with 500.
func ginRecover(c *gin.Context) {
	defer func() {
		if err := recover(); err != nil {
			stack := calmutils.CallStack(2)
			httprequest, _ := httputil.DumpRequest(c.Request, false)
			glog.Errorf("[Recovery] panic recovered:\n%s\n%s\n%s", calmutils.Bytes2String(httprequest), err, stack)
			c.AbortWithStatus(http.StatusInternalServerError)
		}
	}()
	c.Next()
}

// CORSMiddleware allows read only cross origin access to the api.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// NewRouter returns a gin engine with the server middlewares installed.
func NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(ginLogger)
	router.Use(ginRecover)
	router.Use(CORSMiddleware())
	return router
}

// NewWebSrv make a websrv instance
func NewWebSrv(name string, ctx context.Context, bindAddr string) *WebSrv {
	router := NewRouter()

	return &WebSrv{
		srvName: name,
		ctx:     ctx,
		router:  router,
		httpSrv: &http.Server{
			Addr:              bindAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (ws *WebSrv) Start() {
	go func() {
		glog.Infof("Starting up %s %s", ws.srvName, ws.httpSrv.Addr)
		if err := ws.httpSrv.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				glog.Warningf("Shutdown [%s] ==> %s", ws.srvName, err)
			} else {
				glog.Fatalf("%s ListenAndServe failed. error: %s", ws.srvName, err.Error())
			}
		}
	}()
}

// Stop shuts the server down, bounded by a short grace period.
func (ws *WebSrv) Stop() {
	if ws.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = ws.httpSrv.Shutdown(ctx)
		glog.Infof("%s shutdown now", ws.srvName)
	}
}

// Handle register a new request handle
func (ws *WebSrv) Handle(httpMethod string, relativePath string, handlers ...gin.HandlerFunc) {
	ws.router.Handle(httpMethod, relativePath, handlers...)
}

// Router exposes the engine so route groups can be mounted on it.
func (ws *WebSrv) Router() *gin.Engine {
	return ws.router
}
