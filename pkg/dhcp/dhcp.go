package dhcp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkingthing/gorest"
	restresource "github.com/linkingthing/gorest/resource"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/api"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
)

const SnapshotPath = "/snapshot"

var (
	Version = restresource.APIVersion{
		Version: "v1",
		Group:   "linkingthing.com/homedhcp",
	}
)

type SnapshotView struct {
	Version  uint64 `json:"version"`
	LoadedAt string `json:"loadedAt"`
	Source   string `json:"source"`
	Nodes    int    `json:"nodes"`
}

// Handler exposes the lease table and the active policy snapshot.
type Handler struct {
	dhcpService *service.DHCPService
}

func NewHandler(dhcpService *service.DHCPService) *Handler {
	return &Handler{dhcpService: dhcpService}
}

func (h *Handler) RegisterHandler(apiServer *gorest.Server, router gin.IRoutes) error {
	apiServer.Schemas.MustImport(&Version, resource.Lease4{}, api.NewLease4Api(h.dhcpService.Allocator()))
	router.GET(SnapshotPath, h.getSnapshot)
	return nil
}

func (h *Handler) getSnapshot(ctx *gin.Context) {
	snapshot := h.dhcpService.Snapshots().Load()
	if snapshot == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorno.ErrNoSnapshot())
		return
	}

	ctx.JSON(http.StatusOK, SnapshotView{
		Version:  snapshot.Version,
		LoadedAt: snapshot.LoadedAt.Format(time.RFC3339),
		Source:   snapshot.Source,
		Nodes:    snapshot.Tree.Len(),
	})
}
