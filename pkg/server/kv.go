package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/germanamz/portbridge/pkg/hoststore"
	"github.com/germanamz/portbridge/pkg/wire"
)

const maxValueBytes = 1 << 20

// KVItem is one stored entry. Value is the stored JSON, or a JSON string
// holding the raw text when the stored text is not valid JSON.
type KVItem struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func newKVItem(key, stored string) KVItem {
	if json.Valid([]byte(stored)) {
		return KVItem{Key: key, Value: json.RawMessage(stored)}
	}

	raw, _ := json.Marshal(stored)
	return KVItem{Key: key, Value: raw}
}

// kvKey reads the key from the catch-all path parameter, so keys may contain
// slashes. An empty key answers 400.
func kvKey(c *gin.Context) (string, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": hoststore.ErrEmptyKey.Error()})
		return "", false
	}

	return key, true
}

// listKV handles GET /v1/kv
func (s *Server) listKV(c *gin.Context) {
	ctx := c.Request.Context()
	prefix := c.DefaultQuery("prefix", "")
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	keys, err := s.store.Keys(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "list keys failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list items"})
		return
	}

	items := []KVItem{}
	for _, k := range keys {
		if len(items) == limit {
			break
		}
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		v, ok, err := s.store.Get(ctx, k)
		if err != nil {
			s.log.ErrorContext(ctx, "get key failed", "key", k, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list items"})
			return
		}
		if ok {
			items = append(items, newKVItem(k, v))
		}
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// getKV handles GET /v1/kv/*key
func (s *Server) getKV(c *gin.Context) {
	key, ok := kvKey(c)
	if !ok {
		return
	}

	v, ok, err := s.store.Get(c.Request.Context(), key)
	if err != nil {
		s.log.ErrorContext(c.Request.Context(), "get key failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get value"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}

	c.JSON(http.StatusOK, newKVItem(key, v))
}

// putKV handles PUT /v1/kv/*key. The body is the JSON value to store.
func (s *Server) putKV(c *gin.Context) {
	key, ok := kvKey(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxValueBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if len(body) > maxValueBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Value too large"})
		return
	}

	value, err := wire.CompactJSON(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Body must be a JSON value"})
		return
	}

	if err := s.store.Set(c.Request.Context(), key, string(value), hoststore.OriginHTTP); err != nil {
		if errors.Is(err, hoststore.ErrEmptyKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.ErrorContext(c.Request.Context(), "set key failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set value"})
		return
	}

	c.JSON(http.StatusOK, KVItem{Key: key, Value: value})
}

// deleteKV handles DELETE /v1/kv/*key
func (s *Server) deleteKV(c *gin.Context) {
	key, ok := kvKey(c)
	if !ok {
		return
	}

	if err := s.store.Delete(c.Request.Context(), key, hoststore.OriginHTTP); err != nil {
		s.log.ErrorContext(c.Request.Context(), "delete key failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete value"})
		return
	}

	c.Status(http.StatusNoContent)
}
