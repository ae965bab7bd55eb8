package cli

import "fmt"

type missingSettingError struct {
	key  string
	flag string
	env  string
}

func (e missingSettingError) Error() string {
	return fmt.Sprintf("no %s configured; pass %s, set %s or run `labcourse config set %s <value>`", e.key, e.flag, e.env, e.key)
}

func errMissingSetting(key, flag, env string) error {
	return missingSettingError{key: key, flag: flag, env: env}
}

type usageError struct {
	cmd string
	msg string
}

func (e usageError) Error() string {
	return fmt.Sprintf("%s: %s", e.cmd, e.msg)
}

func errUsage(cmd, msg string) error {
	return usageError{cmd: cmd, msg: msg}
}
