package log

import "log/slog"

func RunID[T ~string](id T) slog.Attr {
	return slog.String("run_id", string(id))
}

func Process(name string) slog.Attr {
	return slog.String("process", name)
}

func Step(name string) slog.Attr {
	return slog.String("step", name)
}

func Flow[T ~string](kind T) slog.Attr {
	return slog.String("flow", string(kind))
}

func Node(label string) slog.Attr {
	return slog.String("node", label)
}

func Iteration(n int) slog.Attr {
	return slog.Int("iteration", n)
}

func Depth(n int) slog.Attr {
	return slog.Int("depth", n)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
