package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"card-trader/internal/models"
	"card-trader/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 500
	feedPollInterval = 5 * time.Second
	feedBatchLimit   = 200
)

type APIHandler struct {
	store *store.Store
}

func SetupRoutes(r *gin.RouterGroup, st *store.Store) *APIHandler {
	handler := &APIHandler{store: st}

	r.GET("/priorities", handler.ListPriorities)
	r.GET("/recommendations", handler.ListRecommendations)

	ws := r.Group("/ws")
	{
		ws.GET("/decisions", handler.DecisionFeed)
	}

	return handler
}

func (h *APIHandler) marketplaceParam(c *gin.Context) (models.Marketplace, bool) {
	raw := c.DefaultQuery("marketplace", string(models.MarketplaceTCGPlayer))
	marketplace, err := models.ParseMarketplace(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return marketplace, true
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit
}

// ListPriorities: GET /api/v1/priorities?marketplace=tcgplayer&limit=50
// 按优先级降序返回最近一次聚合的刷新优先级
func (h *APIHandler) ListPriorities(c *gin.Context) {
	marketplace, ok := h.marketplaceParam(c)
	if !ok {
		return
	}

	rows, err := h.store.TopPriorities(marketplace, limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": gin.H{"items": rows, "count": len(rows)}})
}

// ListRecommendations: GET /api/v1/recommendations?marketplace=tcgplayer&decision=BUY&limit=50
// 每个SKU最近一条决策；decision参数可选过滤BUY/PASS
func (h *APIHandler) ListRecommendations(c *gin.Context) {
	marketplace, ok := h.marketplaceParam(c)
	if !ok {
		return
	}

	rows, err := h.store.LatestDecisions(marketplace, limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}

	if filter := c.Query("decision"); filter != "" {
		filtered := make([]models.BuyDecision, 0, len(rows))
		for _, row := range rows {
			if string(row.Decision) == filter {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": gin.H{"items": rows, "count": len(rows)}})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DecisionFeed: GET /api/v1/ws/decisions
// 推送连接建立之后产生的新决策行，每5秒轮询一次游标
func (h *APIHandler) DecisionFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[决策推送] 升级websocket失败: %v", err)
		return
	}
	defer conn.Close()

	cursor, err := h.store.MaxDecisionID()
	if err != nil {
		log.Printf("[决策推送] 读取游标失败: %v", err)
		return
	}

	// 读泵只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rows, err := h.store.DecisionsAfter(cursor, feedBatchLimit)
			if err != nil {
				log.Printf("[决策推送] 轮询失败: %v", err)
				continue
			}
			if len(rows) == 0 {
				continue
			}
			if err := conn.WriteJSON(gin.H{"type": "decisions", "items": rows}); err != nil {
				return
			}
			cursor = rows[len(rows)-1].ID
		}
	}
}
