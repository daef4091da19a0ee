package handlers

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"math"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chatwiki/backend/internal/cache"
	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/gateway"
	"chatwiki/backend/internal/presence"
)

type Pages interface {
	CreatePage(ctx context.Context, np collab.NewPage) (collab.Page, error)
	Snapshot(ctx context.Context, pageID string) (collab.Snapshot, error)
	PatchesSince(ctx context.Context, pageID string, revision uint64) (iter.Seq[collab.AcceptedPatch], error)
	ListPages(ctx context.Context, f collab.ListFilter) ([]collab.Page, error)
}

type Messages interface {
	ReadRange(ctx context.Context, pageID string, fromID, toID uint64) (iter.Seq[chatlog.Message], error)
}

type Roster interface {
	Roster(pageID string) []presence.Member
	Online() []presence.Member
}

// RemoteRoster 是各节点镜像到 Redis 的花名册
type RemoteRoster interface {
	AliveMembers(ctx context.Context, pageID string) ([]cache.PresenceMember, error)
	Pages(ctx context.Context) ([]string, error)
}

type PageHandler struct {
	pages    Pages
	messages Messages
	roster   Roster
	// 没有 Redis 时为 nil，只返回本节点的状态
	remote RemoteRoster
}

func NewPageHandler(pages Pages, messages Messages, roster Roster, remote RemoteRoster) *PageHandler {
	return &PageHandler{pages: pages, messages: messages, roster: roster, remote: remote}
}

// Register 挂到 /v1 路由组（需要鉴权）
func (h *PageHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/pages", h.ListPages)
	rg.POST("/pages", h.CreatePage)
	rg.GET("/pages/:id", h.GetPage)
	rg.GET("/pages/:id/patches", h.GetPatches)
	rg.GET("/pages/:id/messages", h.GetMessages)
	rg.GET("/pages/:id/presence", h.GetPresence)
	rg.GET("/presence", h.ListOnline)
	rg.GET("/categories", h.ListCategories)
}

type createPageReq struct {
	ID       string   `json:"id"`
	Title    string   `json:"title" binding:"required"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Content  string   `json:"content"`
}

type category struct {
	collab.Category
	Pages int `json:"pages"`
}

func statusOf(err error) int {
	if errors.Is(err, collab.ErrPageExists) {
		return http.StatusConflict
	}
	switch gateway.Code(err) {
	case gateway.CodeUnknownPage:
		return http.StatusNotFound
	case gateway.CodeInvalidPage, gateway.CodeInvalidRange, gateway.CodeInvalidRevision:
		return http.StatusBadRequest
	case gateway.CodePageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), gin.H{"code": gateway.Code(err), "message": err.Error()})
}

func badRequest(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": code, "message": msg})
}

// 解析非负整数 query 参数，缺省时返回 def
func queryUint(c *gin.Context, key string, def uint64) (uint64, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GET /v1/pages?category=&q=&limit=
func (h *PageHandler) ListPages(c *gin.Context) {
	limit, ok := queryUint(c, "limit", 0)
	if !ok || limit > math.MaxInt32 {
		badRequest(c, "BAD_REQUEST", "invalid limit")
		return
	}
	pages, err := h.pages.ListPages(c.Request.Context(), collab.ListFilter{
		Category: c.Query("category"),
		Query:    c.Query("q"),
		Limit:    int(limit),
	})
	if err != nil {
		abort(c, err)
		return
	}
	if pages == nil {
		pages = []collab.Page{}
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages})
}

// POST /v1/pages
func (h *PageHandler) CreatePage(c *gin.Context) {
	var req createPageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "BAD_REQUEST", err.Error())
		return
	}
	p, err := h.pages.CreatePage(c.Request.Context(), collab.NewPage{
		ID:       req.ID,
		Title:    req.Title,
		Category: req.Category,
		Tags:     req.Tags,
		AuthorID: c.GetUint64("userId"),
		Content:  req.Content,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GET /v1/pages/:id
func (h *PageHandler) GetPage(c *gin.Context) {
	snap, err := h.pages.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /v1/pages/:id/patches?since=
func (h *PageHandler) GetPatches(c *gin.Context) {
	since, ok := queryUint(c, "since", 0)
	if !ok {
		badRequest(c, gateway.CodeInvalidRevision, "invalid since")
		return
	}
	seq, err := h.pages.PatchesSince(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		abort(c, err)
		return
	}
	patches := slices.Collect(seq)
	if patches == nil {
		patches = []collab.AcceptedPatch{}
	}
	c.JSON(http.StatusOK, gin.H{"patches": patches})
}

// GET /v1/pages/:id/messages?from=&to=
func (h *PageHandler) GetMessages(c *gin.Context) {
	from, ok1 := queryUint(c, "from", 1)
	to, ok2 := queryUint(c, "to", math.MaxUint64)
	if !ok1 || !ok2 || from > to {
		badRequest(c, gateway.CodeInvalidRange, "invalid message range")
		return
	}
	seq, err := h.messages.ReadRange(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		abort(c, err)
		return
	}
	msgs := slices.Collect(seq)
	if msgs == nil {
		msgs = []chatlog.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GET /v1/pages/:id/presence
func (h *PageHandler) GetPresence(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.pages.Snapshot(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	members := h.roster.Roster(id)
	if h.remote != nil {
		remote, err := h.remote.AliveMembers(c.Request.Context(), id)
		if err != nil {
			log.Warn().Err(err).Str("page", id).Msg("read remote roster failed")
		}
		members = mergeRemote(members, remote)
	}
	if members == nil {
		members = []presence.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// GET /v1/presence
func (h *PageHandler) ListOnline(c *gin.Context) {
	users := h.roster.Online()
	if h.remote != nil {
		ctx := c.Request.Context()
		pages, err := h.remote.Pages(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("list remote presence pages failed")
		}
		var remote []cache.PresenceMember
		for _, p := range pages {
			ms, err := h.remote.AliveMembers(ctx, p)
			if err != nil {
				log.Warn().Err(err).Str("page", p).Msg("read remote roster failed")
				continue
			}
			remote = append(remote, ms...)
		}
		users = mergeRemote(users, remote)
	}
	if users == nil {
		users = []presence.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// 本节点的状态优先，Redis 里只有其它节点的在线成员
func mergeRemote(local []presence.Member, remote []cache.PresenceMember) []presence.Member {
	seen := make(map[uint64]struct{}, len(local))
	for _, m := range local {
		seen[m.UserID] = struct{}{}
	}
	for _, r := range remote {
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		local = append(local, presence.Member{UserID: r.UserID, Username: r.Username, State: presence.Online})
	}
	slices.SortFunc(local, func(a, b presence.Member) int { return cmp.Compare(a.UserID, b.UserID) })
	return local
}

// GET /v1/categories
func (h *PageHandler) ListCategories(c *gin.Context) {
	pages, err := h.pages.ListPages(c.Request.Context(), collab.ListFilter{})
	if err != nil {
		abort(c, err)
		return
	}
	counts := make(map[string]int)
	for _, p := range pages {
		counts[p.Category]++
	}
	out := make([]category, 0, len(collab.Categories))
	for _, cat := range collab.Categories {
		out = append(out, category{Category: cat, Pages: counts[cat.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"categories": out})
}
