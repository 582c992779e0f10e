package errorno

type ErrName string

const (
	ErrNameName       ErrName = "name"
	ErrNamePolicy     ErrName = "policy"
	ErrNameCondition  ErrName = "condition"
	ErrNameOption     ErrName = "option"
	ErrNameOptionCode ErrName = "optionCode"
	ErrNameAddress    ErrName = "address"
	ErrNameRange      ErrName = "range"
	ErrNameNetworkV4  ErrName = "networkV4"
	ErrNameIpv4       ErrName = "ipv4"
	ErrNameMac        ErrName = "mac"
	ErrNameLease      ErrName = "lease"
	ErrNameDhcpPool   ErrName = "dhcpPool"
	ErrNameLifetime   ErrName = "validLifetime"
	ErrNameSnapshot   ErrName = "snapshot"
	ErrNameFile       ErrName = "file"
	ErrNameParams     ErrName = "params"
)

var ErrNameMap = map[ErrName]string{
	ErrNameName:       "名称",
	ErrNamePolicy:     "策略",
	ErrNameCondition:  "匹配条件",
	ErrNameOption:     "选项",
	ErrNameOptionCode: "选项编码",
	ErrNameAddress:    "地址",
	ErrNameRange:      "地址范围",
	ErrNameNetworkV4:  "IPv4子网",
	ErrNameIpv4:       "IPv4地址",
	ErrNameMac:        "Mac地址",
	ErrNameLease:      "租赁",
	ErrNameDhcpPool:   "动态地址池",
	ErrNameLifetime:   "租约时长",
	ErrNameSnapshot:   "配置快照",
	ErrNameFile:       "文件",
	ErrNameParams:     "参数",
}

func localizeErrName(name ErrName) string {
	if cn, ok := ErrNameMap[name]; ok {
		return cn
	}
	return string(name)
}
