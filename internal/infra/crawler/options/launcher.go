package options

import (
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

type LauncherOption func(l *launcher.Launcher)

// CreateLauncher 创建 rod 浏览器启动器, userMode 为 true 时复用本机用户的浏览器
func CreateLauncher(userMode bool, opts ...LauncherOption) *launcher.Launcher {
	var l *launcher.Launcher
	if userMode {
		l = launcher.NewUserMode()
	} else {
		l = launcher.New()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func WithBin(bin string) LauncherOption {
	return func(l *launcher.Launcher) {
		if bin != "" {
			l.Bin(bin)
		}
	}
}

func WithUserDataDir(dir string) LauncherOption {
	return func(l *launcher.Launcher) {
		if dir != "" {
			l.UserDataDir(dir)
		}
	}
}

func WithHeadless(headless bool) LauncherOption {
	return func(l *launcher.Launcher) {
		l.Headless(headless)
	}
}

func WithDisableBlinkFeatures(features string) LauncherOption {
	return func(l *launcher.Launcher) {
		if features != "" {
			l.Set(flags.Flag("disable-blink-features"), features)
		}
	}
}

func WithIncognito(incognito bool) LauncherOption {
	return func(l *launcher.Launcher) {
		if incognito {
			l.Set(flags.Flag("incognito"))
		} else {
			l.Delete(flags.Flag("incognito"))
		}
	}
}

// WithDisableDevShmUsage false 时要删除 rod 默认带上的 --disable-dev-shm-usage
func WithDisableDevShmUsage(disable bool) LauncherOption {
	return func(l *launcher.Launcher) {
		if disable {
			l.Set(flags.Flag("disable-dev-shm-usage"))
		} else {
			l.Delete(flags.Flag("disable-dev-shm-usage"))
		}
	}
}

func WithNoSandbox(noSandbox bool) LauncherOption {
	return func(l *launcher.Launcher) {
		l.NoSandbox(noSandbox)
	}
}

func WithUserAgent(userAgent string) LauncherOption {
	return func(l *launcher.Launcher) {
		if userAgent != "" {
			l.Set(flags.Flag("user-agent"), userAgent)
		}
	}
}

func WithLeakless(leakless bool) LauncherOption {
	return func(l *launcher.Launcher) {
		l.Leakless(leakless)
	}
}
