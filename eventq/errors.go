// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package eventq

import "errors"

// errNoSuchSource is returned by a backend's delFD*/delSignal/delPID/delTimer
// when the kernel already has no matching registration — tolerated by the
// registry the same way lkq_deregister_fd tolerates ENOENT receipts.
var errNoSuchSource = errors.New("eventq: no such source")

// errInterrupted is returned by a backend's wait when the underlying
// syscall was interrupted (EINTR).
var errInterrupted = errors.New("eventq: interrupted")
