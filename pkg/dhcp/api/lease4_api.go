package api

import (
	resterror "github.com/linkingthing/gorest/error"
	restresource "github.com/linkingthing/gorest/resource"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

type Lease4Api struct {
	Service *service.Lease4Service
}

func NewLease4Api(allocator *service.LeaseAllocator) *Lease4Api {
	return &Lease4Api{Service: service.NewLease4Service(allocator)}
}

func (h *Lease4Api) List(ctx *restresource.Context) (interface{}, *resterror.APIError) {
	hwAddress, _ := util.GetFilterValueWithEqModifierFromFilters(util.FilterNameHwAddress, ctx.GetFilters())
	scope, _ := util.GetFilterValueWithEqModifierFromFilters(util.FilterNameScope, ctx.GetFilters())
	lease4s, err := h.Service.List(hwAddress, scope)
	if err != nil {
		return nil, errorno.HandleAPIError(resterror.InvalidFormat, err)
	}

	return lease4s, nil
}

func (h *Lease4Api) Get(ctx *restresource.Context) (restresource.Resource, *resterror.APIError) {
	lease4, err := h.Service.Get(ctx.Resource.GetID())
	if err != nil {
		return nil, errorno.HandleAPIError(resterror.NotFound, err)
	}

	return lease4, nil
}
