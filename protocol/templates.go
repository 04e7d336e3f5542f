package protocol

// Both wrappers build the whole result string before writing it, so a
// failure while serializing can never leave half a result on stdout.

const transientTemplate = `import base64 as _b64
import io as _io
import json as _json
import sys as _sys
import traceback as _tb
from contextlib import redirect_stderr as _redirect_stderr
from contextlib import redirect_stdout as _redirect_stdout

_SOURCE = "__PYBOX_SOURCE__"
_STATE = "__PYBOX_STATE__"


def _bindings(ns):
    out = {}
    for key, value in list(ns.items()):
        if key.startswith("__"):
            continue
        try:
            _json.dumps(value, allow_nan=False)
        except (TypeError, ValueError, OverflowError, RecursionError):
            continue
        out[key] = value
    return out


_ns = _json.loads(_b64.b64decode(_STATE).decode("utf-8"))
_ns["__name__"] = "__main__"
_stdout = _io.StringIO()
_stderr = _io.StringIO()
_error = None

try:
    _code = compile(_b64.b64decode(_SOURCE).decode("utf-8"), "<sandbox>", "exec")
    with _redirect_stdout(_stdout), _redirect_stderr(_stderr):
        exec(_code, _ns)
except BaseException as _e:
    _error = "".join(_tb.format_exception(type(_e), _e, _e.__traceback__))

try:
    _result = _json.dumps({
        "stdout": _stdout.getvalue(),
        "stderr": _stderr.getvalue(),
        "error": _error,
        "state": _bindings(_ns),
    }, allow_nan=False)
except BaseException as _e:
    _result = _json.dumps({
        "stdout": _stdout.getvalue(),
        "stderr": _stderr.getvalue(),
        "error": _error or ("result serialization failed: %s" % _e),
    })

_sys.stdout.write("\n---OUTPUT_START---\n" + _result + "\n---OUTPUT_END---\n")
_sys.stdout.flush()
`

const persistentTemplate = `import base64 as _b64
import importlib as _importlib
import io as _io
import json as _json
import os as _os
import pickle as _pickle
import sys as _sys
import traceback as _tb
import types as _types
from contextlib import redirect_stderr as _redirect_stderr
from contextlib import redirect_stdout as _redirect_stdout

_SOURCE = "__PYBOX_SOURCE__"
_STORE = _b64.b64decode("__PYBOX_STORE__").decode("utf-8")


def _bindings(ns):
    out = {}
    for key, value in list(ns.items()):
        if key.startswith("__") or isinstance(value, _types.ModuleType):
            continue
        try:
            _json.dumps(value, allow_nan=False)
        except (TypeError, ValueError, OverflowError, RecursionError):
            continue
        out[key] = value
    return out


_ns = {"__name__": "__main__"}
if _os.path.exists(_STORE):
    try:
        with open(_STORE, "rb") as _f:
            _saved = _pickle.load(_f)
        for _name, _module in _saved.pop("__pybox_modules__", {}).items():
            try:
                _ns[_name] = _importlib.import_module(_module)
            except Exception:
                pass
        _ns.update(_saved)
    except Exception as _e:
        _sys.stderr.write("pybox: could not load namespace: %s\n" % _e)

_stdout = _io.StringIO()
_stderr = _io.StringIO()
_error = None

try:
    _code = compile(_b64.b64decode(_SOURCE).decode("utf-8"), "<sandbox>", "exec")
    with _redirect_stdout(_stdout), _redirect_stderr(_stderr):
        exec(_code, _ns)
except BaseException as _e:
    _error = "".join(_tb.format_exception(type(_e), _e, _e.__traceback__))

_keep = {}
_modules = {}
for _name, _value in list(_ns.items()):
    if _name.startswith("__"):
        continue
    if isinstance(_value, _types.ModuleType):
        _modules[_name] = _value.__name__
        continue
    try:
        _pickle.dumps(_value)
    except Exception:
        continue
    _keep[_name] = _value
_keep["__pybox_modules__"] = _modules

try:
    with open(_STORE + ".tmp", "wb") as _f:
        _pickle.dump(_keep, _f)
    _os.replace(_STORE + ".tmp", _STORE)
except Exception as _e:
    _sys.stderr.write("pybox: could not save namespace: %s\n" % _e)

try:
    _result = _json.dumps({
        "stdout": _stdout.getvalue(),
        "stderr": _stderr.getvalue(),
        "error": _error,
        "state": _bindings(_ns),
    }, allow_nan=False)
except BaseException as _e:
    _result = _json.dumps({
        "stdout": _stdout.getvalue(),
        "stderr": _stderr.getvalue(),
        "error": _error or ("result serialization failed: %s" % _e),
    })

_sys.stdout.write("\n---OUTPUT_START---\n" + _result + "\n---OUTPUT_END---\n")
_sys.stdout.flush()
`
