/**
 * Copyright 2026 kmeaw
 *
 * Licensed under the GNU Affero General Public License (AGPL).
 *
 * This program is free software: you can redistribute it and/or modify it
 * under the terms of the GNU Affero General Public License as published by the
 * Free Software Foundation, version 3 of the License.
 *
 * This program is distributed in the hope that it will be useful, but WITHOUT
 * ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
 * FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
 * for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package manager

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/websocket"
)

// NewRouter wires the manager's JSON control API and the websocket log
// feed.
func NewRouter(logger *Logger, settings *Settings, cores *CoreManager,
	patches *PatchManager, plugins *PluginManager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/api/hooks", func(c *gin.Context) {
		hooks := patches.Hooks()
		out := make([]gin.H, 0, len(hooks))
		for _, hook := range hooks {
			out = append(out, gin.H{
				"name":     hook.Name,
				"hook_rva": hook.HookRva,
				"kind":     uint32(hook.Kind()),
			})
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/api/patchpacks", func(c *gin.Context) {
		packs := patches.PatchPacks()
		out := make([]gin.H, 0, len(packs))
		for _, pack := range packs {
			out = append(out, gin.H{
				"name":        pack.Info.Name,
				"description": pack.Info.Desc,
				"enabled":     pack.Info.CurrentlyEnabled,
				"patches":     len(pack.Patches),
			})
		}
		c.JSON(http.StatusOK, out)
	})

	r.POST("/api/patchpacks/:name/enable", func(c *gin.Context) {
		if err := patches.EnablePatchPack(c.Param("name")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/api/patchpacks/:name/disable", func(c *gin.Context) {
		if err := patches.DisablePatchPack(c.Param("name")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/api/patchpacks/:name/settings", func(c *gin.Context) {
		var p struct {
			Label string `json:"label"`
			Value string `json:"value"`
		}
		if err := c.ShouldBind(&p); err != nil {
			c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		if err := patches.SetExtraSettingValue(c.Param("name"), p.Label, p.Value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/api/plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, plugins.Names())
	})

	r.GET("/api/cores", func(c *gin.Context) {
		c.JSON(http.StatusOK, cores.ConnectedCores())
	})

	r.POST("/api/cores/launch", func(c *gin.Context) {
		id, err := cores.StartCore()
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"core": id})
	})

	r.POST("/api/cores/:id/detach", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		if err := cores.EndCore(CoreID(id)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/api/cores/:id/disconnect", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		if err := cores.EndCoreConnection(CoreID(id)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/log", gin.WrapH(websocket.Handler(logFeed(logger))))

	return r
}

type logRecord struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// logFeed streams every log record to the websocket until the client
// goes away.
func logFeed(logger *Logger) func(*websocket.Conn) {
	return func(ws *websocket.Conn) {
		records := make(chan logRecord, 64)
		handler := logger.AddHandler(func(severity Severity, message string) {
			select {
			case records <- logRecord{Severity: severity.String(), Message: message}:
			default: // A slow client drops records rather than the manager.
			}
		})
		defer logger.RemoveHandler(handler)

		for record := range records {
			if err := websocket.JSON.Send(ws, record); err != nil {
				return
			}
		}
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
