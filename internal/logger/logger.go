package logger

import (
	"log"

	"github.com/sirupsen/logrus"
)

const (
	HostKey         string = "host"
	CommandKey      string = "cmd"
	CommandArgsKey  string = "cmd_args"
	DeviceKey       string = "device"
	FsTypeKey       string = "fs_type"
	OperationKey    string = "op"
	MountSourceKey  string = "source"
	MountTargetKey  string = "target"
	MountOptionsKey string = "mount_options"
	LabelKey        string = "label"
	UUIDKey         string = "uuid"
	SizeKey         string = "size_bytes"
	ToolKey         string = "tool"
)

func New(logLevel string) *logrus.Logger {
	lv, err := logrus.ParseLevel(logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger := logrus.New()
	logger.SetLevel(lv)
	if logger.GetLevel() > logrus.InfoLevel {
		logger.WithField("level", logger.GetLevel().String()).Warn("using log level higher than INFO is not recommended in production")
	}
	return logger
}
