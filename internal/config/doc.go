// Package config 负责加载 finsightd 的 JSON 配置、.env 凭据与环境变量覆盖。
package config
