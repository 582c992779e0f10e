package errorno

import (
	"errors"
	"fmt"

	goresterr "github.com/linkingthing/gorest/error"
)

type ErrKind string

const (
	KindDuplicateAddressReservation ErrKind = "duplicateAddressReservation"
	KindInvalidSubnet               ErrKind = "invalidSubnet"
	KindUnknownOption               ErrKind = "unknownOption"
	KindTypeMismatch                ErrKind = "typeMismatch"
	KindOverlappingPools            ErrKind = "overlappingPools"
	KindInvalidPolicy               ErrKind = "invalidPolicy"

	KindPoolExhausted    ErrKind = "poolExhausted"
	KindAddressInUse     ErrKind = "addressInUse"
	KindAddressNotInPool ErrKind = "addressNotInPool"
)

var configErrKinds = map[ErrKind]struct{}{
	KindDuplicateAddressReservation: {},
	KindInvalidSubnet:               {},
	KindUnknownOption:               {},
	KindTypeMismatch:                {},
	KindOverlappingPools:            {},
	KindInvalidPolicy:               {},
}

var allocationErrKinds = map[ErrKind]struct{}{
	KindPoolExhausted:    {},
	KindAddressInUse:     {},
	KindAddressNotInPool: {},
}

// DHCPError tags a bilingual message with the kind the caller branches on.
type DHCPError struct {
	Kind    ErrKind
	Message *goresterr.ErrorMessage
}

func (e *DHCPError) Error() string {
	return e.Message.Error()
}

func (e *DHCPError) Unwrap() error {
	return e.Message
}

func newDHCPError(kind ErrKind, en, cn string) *DHCPError {
	return &DHCPError{Kind: kind, Message: goresterr.NewErrorMessage(en, cn)}
}

var (
	ErrDuplicateAddressReservation = func(address, policy, another string) *DHCPError {
		return newDHCPError(KindDuplicateAddressReservation,
			fmt.Sprintf("address %s is reserved by both policy %s and policy %s", address, policy, another),
			fmt.Sprintf("地址 %s 同时被策略 %s 和策略 %s 保留", address, policy, another))
	}
	ErrInvalidSubnet = func(subnet, reason string) *DHCPError {
		return newDHCPError(KindInvalidSubnet,
			fmt.Sprintf("subnet %s invalid: %s", subnet, reason),
			fmt.Sprintf("子网 %s 无效：%s", subnet, reason))
	}
	ErrUnknownOption = func(opt interface{}) *DHCPError {
		return newDHCPError(KindUnknownOption,
			fmt.Sprintf("unknown option %v", opt),
			fmt.Sprintf("未知的%s %v", localizeErrName(ErrNameOption), opt))
	}
	ErrTypeMismatch = func(opt string, expect string, value interface{}) *DHCPError {
		return newDHCPError(KindTypeMismatch,
			fmt.Sprintf("option %s expects %s but get %v", opt, expect, value),
			fmt.Sprintf("选项 %s 需要 %s 类型，但值为 %v", opt, expect, value))
	}
	ErrOverlappingPools = func(policy, pool, another, anotherPool string) *DHCPError {
		return newDHCPError(KindOverlappingPools,
			fmt.Sprintf("policy %s pool %s has intersection with policy %s pool %s",
				policy, pool, another, anotherPool),
			fmt.Sprintf("策略 %s 的地址池 %s 与策略 %s 的地址池 %s 之间存在交集",
				policy, pool, another, anotherPool))
	}
	ErrInvalidPolicy = func(target ErrName, value interface{}, reason string) *DHCPError {
		return newDHCPError(KindInvalidPolicy,
			fmt.Sprintf("invalid %s %v: %s", target, value, reason),
			fmt.Sprintf("无效的%s %v：%s", localizeErrName(target), value, reason))
	}

	ErrPoolExhausted = func(scope string) *DHCPError {
		return newDHCPError(KindPoolExhausted,
			fmt.Sprintf("no free address left in pool of policy %s", scope),
			fmt.Sprintf("策略 %s 的地址池已无可用地址", scope))
	}
	ErrAddressInUse = func(address, hwAddress string) *DHCPError {
		return newDHCPError(KindAddressInUse,
			fmt.Sprintf("address %s is in use by %s", address, hwAddress),
			fmt.Sprintf("地址 %s 已被 %s 使用", address, hwAddress))
	}
	ErrAddressNotInPool = func(address, scope string) *DHCPError {
		return newDHCPError(KindAddressNotInPool,
			fmt.Sprintf("address %s isn't contained by pool of policy %s", address, scope),
			fmt.Sprintf("地址 %s 不属于策略 %s 的地址池", address, scope))
	}

	ErrNotFound = func(errName ErrName, value string) *goresterr.ErrorMessage {
		return goresterr.NewErrorMessage(
			fmt.Sprintf("%s %s not found", errName, value),
			fmt.Sprintf("%s %s 不存在", localizeErrName(errName), value))
	}
	ErrInvalidParams = func(errName ErrName, value interface{}) *goresterr.ErrorMessage {
		return goresterr.NewErrorMessage(
			fmt.Sprintf("invalid %s: %v", errName, value),
			fmt.Sprintf("无效的%s：%v", localizeErrName(errName), value))
	}
	ErrNoSnapshot = func() *goresterr.ErrorMessage {
		return goresterr.NewErrorMessage(
			"no policy snapshot is active",
			"当前没有生效的策略配置")
	}
)

func IsKind(err error, kind ErrKind) bool {
	var dhcpErr *DHCPError
	return errors.As(err, &dhcpErr) && dhcpErr.Kind == kind
}

func IsConfigError(err error) bool {
	var dhcpErr *DHCPError
	if errors.As(err, &dhcpErr) {
		_, ok := configErrKinds[dhcpErr.Kind]
		return ok
	}

	return false
}

func IsAllocationError(err error) bool {
	var dhcpErr *DHCPError
	if errors.As(err, &dhcpErr) {
		_, ok := allocationErrKinds[dhcpErr.Kind]
		return ok
	}

	return false
}

func HandleAPIError(code goresterr.ErrorCode, err error) *goresterr.APIError {
	if errMsg := new(goresterr.ErrorMessage); errors.As(err, &errMsg) {
		return goresterr.NewAPIError(code, *errMsg)
	} else {
		return goresterr.NewAPIError(code, goresterr.ErrorMessage{MessageEN: err.Error(), MessageCN: err.Error()})
	}
}

func TryGetErrorCNMsg(err error) string {
	if err == nil {
		return ""
	}

	if errMsg := new(goresterr.ErrorMessage); errors.As(err, &errMsg) {
		return errMsg.ErrorCN()
	}

	return err.Error()
}
